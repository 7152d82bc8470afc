package indexer

import (
	"context"
	"fmt"
	"strings"

	"codecompass/internal/contextutil"
	"codecompass/internal/vectorstore"
)

// declaration is a function or class found in a parsed file. Lines are 1-based.
type declaration struct {
	Name      string
	Kind      vectorstore.Kind
	StartLine int
	EndLine   int
	Content   string
}

// CodeExtractor produces one chunk per top-level function or class, one
// chunk per heading section for Markdown, and a single file-fallback chunk
// for anything else.
type CodeExtractor struct {
	markdown *MarkdownSplitter
}

// NewCodeExtractor creates a CodeExtractor.
func NewCodeExtractor() *CodeExtractor {
	return &CodeExtractor{markdown: NewMarkdownSplitter()}
}

// Extract implements Extractor.
func (e *CodeExtractor) Extract(ctx context.Context, file File) ([]vectorstore.Chunk, error) {
	logger := contextutil.LoggerFromContext(ctx)

	lang := DetectLanguage(file.Path, file.Content)
	switch lang {
	case LangMarkdown:
		return e.markdown.Sections(file), nil
	case LangUnknown:
		return fileFallback(file), nil
	}

	decls, err := parseDeclarations(ctx, lang, file.Content)
	if err != nil {
		logger.WarnContext(ctx, "failed to parse file, indexing as a whole", "path", file.Path, "language", lang, "error", err)
		return fileFallback(file), nil
	}
	if len(decls) == 0 {
		return fileFallback(file), nil
	}

	chunks := make([]vectorstore.Chunk, 0, len(decls))
	for _, d := range decls {
		chunks = append(chunks, vectorstore.Chunk{
			ID:         declarationID(file.Path, d),
			Content:    d.Content,
			Kind:       d.Kind,
			SourcePath: file.Path,
			Name:       d.Name,
		})
	}
	return chunks, nil
}

func declarationID(path string, d declaration) string {
	name := d.Name
	if name == "" {
		name = string(d.Kind)
	}
	return fmt.Sprintf("%s:%s:%d", path, name, d.StartLine)
}

func fileFallback(file File) []vectorstore.Chunk {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return []vectorstore.Chunk{{
		ID:         file.Path,
		Content:    content,
		Kind:       vectorstore.KindFileFallback,
		SourcePath: file.Path,
	}}
}
