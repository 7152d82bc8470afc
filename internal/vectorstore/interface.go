package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_store.go -package=mocks codecompass/internal/vectorstore Store

import "context"

// Kind classifies a chunk.
type Kind string

const (
	KindFunction     Kind = "function"
	KindClass        Kind = "class"
	KindFileFallback Kind = "file-fallback"
)

// Chunk is an identified unit of source text. It becomes searchable once
// Embedding is set.
type Chunk struct {
	ID         string
	Content    string
	Kind       Kind
	SourcePath string
	Name       string
	Embedding  []float32
}

// Match is a search hit with its cosine similarity in [-1, 1].
type Match struct {
	Chunk Chunk
	Score float64
}

// Stats aggregates one project's index.
type Stats struct {
	TotalChunks int            `json:"totalChunks"`
	TotalSize   int            `json:"totalSize"`
	ChunkTypes  map[string]int `json:"chunkTypes"`
}

// Store persists embedded chunks per (owner, project) and answers
// nearest-neighbour queries. Storage failures wrap errs.ErrStoreUnavailable.
type Store interface {
	// Put stores one chunk, overwriting any chunk with the same id.
	Put(ctx context.Context, ownerID, projectID string, chunk Chunk) error

	// PutBatch stores chunks, overwriting by id. Every chunk must carry an embedding.
	PutBatch(ctx context.Context, ownerID, projectID string, chunks []Chunk) error

	// Search returns up to k chunks by descending cosine similarity. An empty
	// or never-indexed project yields an empty result and no error.
	Search(ctx context.Context, ownerID, projectID string, query []float32, k int) ([]Match, error)

	// Clear removes every chunk of the project. Clearing an empty project is not an error.
	Clear(ctx context.Context, ownerID, projectID string) error

	// Stats reports chunk count, content size and per-kind counts.
	Stats(ctx context.Context, ownerID, projectID string) (*Stats, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
