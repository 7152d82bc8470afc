package indexer

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"codecompass/internal/vectorstore"
)

// MarkdownSplitter cuts Markdown documents into one chunk per heading section
// using goldmark's AST. Section content is the original source text.
type MarkdownSplitter struct {
	parser goldmark.Markdown
}

// NewMarkdownSplitter creates a MarkdownSplitter.
func NewMarkdownSplitter() *MarkdownSplitter {
	return &MarkdownSplitter{
		parser: goldmark.New(
			goldmark.WithExtensions(extension.Table),
		),
	}
}

type headingInfo struct {
	level int
	text  string
}

type section struct {
	path  string
	start int
}

// Sections returns one file-fallback chunk per heading section. Text before
// the first heading forms its own section. A document without headings
// yields a single chunk.
func (m *MarkdownSplitter) Sections(file File) []vectorstore.Chunk {
	content := file.Content
	if len(bytes.TrimSpace(content)) == 0 {
		return nil
	}

	doc := m.parser.Parser().Parse(text.NewReader(content))

	sections := []section{{start: 0}}
	var stack []headingInfo
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}

		for len(stack) > 0 && stack[len(stack)-1].level >= heading.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, headingInfo{level: heading.Level, text: extractTextFromNode(heading, content)})

		start := lineStart(content, heading.Lines().At(0).Start)
		sections = append(sections, section{path: buildHeadingPath(stack), start: start})
	}

	var chunks []vectorstore.Chunk
	for i, s := range sections {
		end := len(content)
		if i+1 < len(sections) {
			end = sections[i+1].start
		}
		body := string(content[s.start:end])
		if strings.TrimSpace(body) == "" {
			continue
		}
		chunks = append(chunks, vectorstore.Chunk{
			ID:         fmt.Sprintf("%s#%d", file.Path, i),
			Content:    body,
			Kind:       vectorstore.KindFileFallback,
			SourcePath: file.Path,
			Name:       s.path,
		})
	}
	return chunks
}

// lineStart returns the offset of the first byte of the line containing offset.
func lineStart(content []byte, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return bytes.LastIndexByte(content[:offset], '\n') + 1
}

// buildHeadingPath renders the heading stack as "# A > ## B".
func buildHeadingPath(stack []headingInfo) string {
	if len(stack) == 0 {
		return ""
	}

	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", h.level), h.text)
	}
	return strings.Join(parts, " > ")
}

// extractTextFromNode extracts text content from a node and its children.
func extractTextFromNode(n ast.Node, content []byte) string {
	var b strings.Builder

	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(content))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}
