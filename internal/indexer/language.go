package indexer

import (
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// Language is a source language the extractor knows how to parse.
type Language string

const (
	LangGo         Language = "go"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
	LangPython     Language = "python"
	LangMarkdown   Language = "markdown"
	LangUnknown    Language = ""
)

// DetectLanguage classifies a file by name and content.
func DetectLanguage(path string, content []byte) Language {
	filename := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(filename), ".tsx") {
		return LangTSX
	}

	switch enry.GetLanguage(filename, content) {
	case "Go":
		return LangGo
	case "JavaScript", "JSX":
		return LangJavaScript
	case "TypeScript":
		return LangTypeScript
	case "TSX":
		return LangTSX
	case "Python":
		return LangPython
	case "Markdown":
		return LangMarkdown
	default:
		return LangUnknown
	}
}

// Indexable reports whether a file should be indexed at all.
func Indexable(path string, content []byte) bool {
	if len(content) == 0 {
		return false
	}
	if enry.IsVendor(path) || enry.IsDotFile(path) || enry.IsBinary(content) {
		return false
	}
	return true
}
