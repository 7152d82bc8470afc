// Package indexer turns source files into embedded chunks for the similarity store.
package indexer

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_extractor.go -package=mocks codecompass/internal/indexer Extractor

import (
	"context"

	"codecompass/internal/vectorstore"
)

// File is one source file to index. Path is relative to the project root
// and uses forward slashes.
type File struct {
	Path    string
	Content []byte
}

// Extractor splits a file into named code fragments. Chunks are returned
// without embeddings.
type Extractor interface {
	Extract(ctx context.Context, file File) ([]vectorstore.Chunk, error)
}
