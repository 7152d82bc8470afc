//go:build !cgo

package indexer

import "context"

// TreeSitterAvailable reports whether declaration parsing is compiled in.
const TreeSitterAvailable = false

// parseDeclarations finds nothing without cgo, so every code file is indexed
// as a single file-fallback chunk.
func parseDeclarations(ctx context.Context, lang Language, source []byte) ([]declaration, error) {
	return nil, nil
}
