// Package local archives raw submissions under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

var _ ingest.BlobStore = (*BlobStore)(nil)

// Config points the store at its root directory.
type Config struct {
	BaseDir string
}

// BlobStore writes each object to a file below its root.
type BlobStore struct {
	root string
}

// New creates the root directory when missing and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("storage.local_dir is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("archive dir not writable: %w", err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return &BlobStore{root: root}, nil
}

func (s *BlobStore) resolve(object string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(object)))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object path %q", object)
	}
	return filepath.Join(s.root, rel), nil
}

// PutObject streams data into a temporary file beside the target and renames
// it into place, so a crash never leaves a truncated archive behind.
func (s *BlobStore) PutObject(ctx context.Context, object string, _ string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := s.resolve(object)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("open temp object: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, data); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	committed = true

	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}
