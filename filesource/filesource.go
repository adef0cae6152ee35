// Package filesource adapts a directory of JSON documents as the source of
// truth behind a requery cache. Key segments map to path components, so
// users/42 is served from <root>/users/42.json. A companion watcher turns
// file edits into invalidation hints.
package filesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/l0p7/requery"
)

// Source serves JSON documents from a directory tree. It implements
// requery.Fetcher.
type Source struct {
	root   string
	logger *slog.Logger
}

// New validates root and returns a Source rooted there.
func New(root string, logger *slog.Logger) (*Source, error) {
	if root == "" {
		return nil, errors.New("filesource: root directory required")
	}
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesource: resolve root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("filesource: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filesource: root %s is not a directory", resolved)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{root: resolved, logger: logger.With(slog.String("component", "filesource"))}, nil
}

// Root returns the resolved document root.
func (s *Source) Root() string { return s.root }

// Fetch loads the JSON document for key. Missing documents surface as a 404
// server error so the cache will not retry them; IO failures surface as
// network errors so it will.
func (s *Source) Fetch(ctx context.Context, key requery.Key) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, requery.NetworkError(err)
	}
	path, rerr := s.pathFor(key)
	if rerr != nil {
		return nil, rerr
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, requery.ServerError(404, fmt.Sprintf("no document for %s", key))
		}
		return nil, requery.NetworkError(fmt.Errorf("filesource: read %s: %w", path, err))
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, requery.ServerError(400, fmt.Sprintf("document for %s is not valid JSON: %v", key, err))
	}
	return value, nil
}

// pathFor maps key segments to a file path under root. Segments that would
// escape the tree are rejected.
func (s *Source) pathFor(key requery.Key) (string, *requery.RemoteError) {
	segments := key.Segments()
	if len(segments) == 0 {
		return "", requery.ServerError(400, "empty key")
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." ||
			strings.ContainsRune(seg, os.PathSeparator) || strings.ContainsRune(seg, '/') {
			return "", requery.ServerError(400, fmt.Sprintf("key %s does not map to a document path", key))
		}
	}
	parts := append([]string{s.root}, segments...)
	return filepath.Join(parts...) + ".json", nil
}

// keyForPath maps a file path back to a Key. It reports false for paths
// outside root or without the .json suffix.
func (s *Source) keyForPath(path string) (requery.Key, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return requery.Key{}, false
	}
	if !strings.EqualFold(filepath.Ext(rel), ".json") {
		return requery.Key{}, false
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	parts := strings.Split(rel, string(os.PathSeparator))
	for _, part := range parts {
		if part == "" {
			return requery.Key{}, false
		}
	}
	return requery.NewKey(parts...), true
}
