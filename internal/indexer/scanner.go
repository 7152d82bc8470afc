package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"codecompass/internal/contextutil"
	"codecompass/internal/errs"
)

// MaxFileSize bounds files picked up by Scan.
const MaxFileSize = 1 << 20

var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	"target/",
	"__pycache__/",
	".venv/",
	"*.min.js",
	"*.lock",
	"package-lock.json",
}

// Scanner walks a project root and collects indexable files, honoring the
// root's .gitignore plus a fixed set of build and dependency directories.
// Roots are confined to base.
type Scanner struct {
	base        string
	maxFileSize int64
}

// NewScanner creates a Scanner serving roots under base. An empty base
// disables scanning.
func NewScanner(base string) *Scanner {
	return &Scanner{base: base, maxFileSize: MaxFileSize}
}

// Scan returns the indexable files under root with root-relative,
// slash-separated paths, in lexical order. root is resolved against the
// scanner's base and must not leave it.
func (s *Scanner) Scan(ctx context.Context, root string) ([]File, error) {
	logger := contextutil.LoggerFromContext(ctx)

	requested := root
	root, err := s.resolve(root)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to access project root %s: %w", requested, err)
	}
	if !info.IsDir() {
		return nil, &errs.ValidationError{Field: "rootPath", Message: fmt.Sprintf("%s is not a directory", requested)}
	}

	matcher, err := loadIgnore(root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.WarnContext(ctx, "skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if matcher.MatchesPath(relPath + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.MatchesPath(relPath) {
			return nil
		}

		fi, err := d.Info()
		if err != nil || fi.Size() > s.maxFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logger.WarnContext(ctx, "skipping unreadable file", "path", relPath, "error", err)
			return nil
		}
		if !Indexable(relPath, content) {
			return nil
		}

		files = append(files, File{Path: relPath, Content: content})
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	logger.DebugContext(ctx, "scanned project root", "root", root, "files", len(files))
	return files, nil
}

// resolve maps a requested root to a real directory path under s.base,
// rejecting paths that escape it lexically or through symlinks.
func (s *Scanner) resolve(requested string) (string, error) {
	if s.base == "" {
		return "", &errs.ValidationError{Field: "rootPath", Message: "indexing by root path is disabled on this worker; send files inline"}
	}
	escape := &errs.ValidationError{Field: "rootPath", Message: fmt.Sprintf("%s is outside the index root", requested)}

	base, err := filepath.Abs(s.base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve index root: %w", err)
	}
	target := requested
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	if !within(base, filepath.Clean(target)) {
		return "", escape
	}

	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve index root: %w", err)
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &errs.ValidationError{Field: "rootPath", Message: fmt.Sprintf("%s does not exist", requested)}
		}
		return "", fmt.Errorf("failed to resolve project root %s: %w", requested, err)
	}
	if !within(realBase, realTarget) {
		return "", escape
	}
	return realTarget, nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func loadIgnore(root string) (*gitignore.GitIgnore, error) {
	patterns := append([]string(nil), defaultIgnorePatterns...)

	content, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read .gitignore: %w", err)
	}

	return gitignore.CompileIgnoreLines(patterns...), nil
}
