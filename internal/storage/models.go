package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ChunkRecord is a row of the chunks table.
type ChunkRecord struct {
	OwnerID    string
	ProjectID  string
	ID         string // stable within (OwnerID, ProjectID)
	Seq        int64  // insertion order, assigned on first insert and kept on overwrite
	Kind       string
	SourcePath string
	Name       string
	Content    string
	Embedding  []float32
}

// ChunkStats aggregates the chunks of one project.
type ChunkStats struct {
	TotalChunks int
	TotalSize   int
	ChunkTypes  map[string]int
}

// encodeEmbedding packs v as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
