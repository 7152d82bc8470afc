package indexer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"codecompass/internal/vectorstore"
)

const (
	DefaultMaxLines     = 100
	DefaultMaxChars     = 4000
	DefaultOverlapLines = 5
)

// declarationLine matches lines that open a function, class, interface or type.
var declarationLine = regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?(?:async\s+)?(?:func|function|class|interface|type|def|struct|enum|trait|impl)\b`)

// Splitter bounds chunk size. Oversized chunks are cut into overlapping
// sub-chunks, preferring to start each sub-chunk at a declaration line.
type Splitter struct {
	MaxLines     int
	MaxChars     int
	OverlapLines int
}

// NewSplitter creates a Splitter, falling back to defaults for non-positive
// limits. Overlap is clamped below maxLines.
func NewSplitter(maxLines, maxChars, overlapLines int) *Splitter {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapLines < 0 {
		overlapLines = 0
	}
	if overlapLines >= maxLines {
		overlapLines = maxLines - 1
	}
	return &Splitter{MaxLines: maxLines, MaxChars: maxChars, OverlapLines: overlapLines}
}

// SplitAll applies Split to every chunk, preserving order.
func (s *Splitter) SplitAll(chunks []vectorstore.Chunk) []vectorstore.Chunk {
	out := make([]vectorstore.Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, s.Split(c)...)
	}
	return out
}

// Split returns chunk unchanged when it fits, otherwise its sub-chunks.
// Sub-chunk ids are derived from the parent id and the sub-chunk sequence.
func (s *Splitter) Split(chunk vectorstore.Chunk) []vectorstore.Chunk {
	lines := strings.SplitAfter(chunk.Content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) <= s.MaxLines && utf8.RuneCountInString(chunk.Content) <= s.MaxChars {
		return []vectorstore.Chunk{chunk}
	}

	var pieces []string
	start := 0
	for start < len(lines) {
		end := s.windowEnd(lines, start)
		if end < len(lines) {
			end = s.preferDeclaration(lines, start, end)
		}

		piece := strings.Join(lines[start:end], "")
		pieces = append(pieces, s.hardSplit(piece)...)

		if end >= len(lines) {
			break
		}
		next := end - s.OverlapLines
		if next <= start {
			next = end
		}
		start = next
	}

	out := make([]vectorstore.Chunk, len(pieces))
	for i, piece := range pieces {
		sub := chunk
		sub.ID = SubChunkID(chunk.ID, i)
		sub.Content = piece
		if chunk.Name != "" {
			sub.Name = fmt.Sprintf("%s (part %d/%d)", chunk.Name, i+1, len(pieces))
		}
		out[i] = sub
	}
	return out
}

// windowEnd returns the exclusive end of the largest window starting at start
// that respects both limits. A window always holds at least one line.
func (s *Splitter) windowEnd(lines []string, start int) int {
	chars := 0
	end := start
	for end < len(lines) && end-start < s.MaxLines {
		n := utf8.RuneCountInString(lines[end])
		if end > start && chars+n > s.MaxChars {
			break
		}
		chars += n
		end++
	}
	return end
}

// preferDeclaration moves end back to the last declaration line in the second
// half of the window, so the next sub-chunk starts at a declaration.
func (s *Splitter) preferDeclaration(lines []string, start, end int) int {
	floor := start + (end-start)/2
	if floor <= start+s.OverlapLines {
		floor = start + s.OverlapLines + 1
	}
	for i := end - 1; i >= floor; i-- {
		if declarationLine.MatchString(lines[i]) {
			return i
		}
	}
	return end
}

// hardSplit cuts a piece that still exceeds MaxChars (a single very long
// line) at rune boundaries.
func (s *Splitter) hardSplit(piece string) []string {
	if utf8.RuneCountInString(piece) <= s.MaxChars {
		return []string{piece}
	}
	runes := []rune(piece)
	var out []string
	for len(runes) > 0 {
		n := min(s.MaxChars, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// SubChunkID derives a stable id for the seq-th sub-chunk of parentID.
func SubChunkID(parentID string, seq int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", parentID, seq)))
	return parentID + "#" + hex.EncodeToString(sum[:6])
}
