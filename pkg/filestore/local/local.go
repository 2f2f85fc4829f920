package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps objects under a root directory and serves them from a base
// URL.
type Store struct {
	root    string
	baseURL string
}

func New(root, baseURL string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("local: couldn't create root %q: %w", root, err)
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *Store) URL(name string) string {
	return s.baseURL + "/" + name
}

// Put writes to a temporary file and renames it over the destination, so
// readers see the old or the new object but never a partial one.
func (s *Store) Put(ctx context.Context, name, contentType string, body io.Reader, size int64) error {
	dst := filepath.Join(s.root, filepath.FromSlash(name))
	if !strings.HasPrefix(dst, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return fmt.Errorf("local: invalid name %q", name)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("local: couldn't create dir for %q: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("local: couldn't create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("local: couldn't write %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local: couldn't close %q: %w", name, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("local: wrote %d bytes to %q; expected %d", n, name, size)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("local: couldn't rename to %q: %w", dst, err)
	}
	return nil
}

