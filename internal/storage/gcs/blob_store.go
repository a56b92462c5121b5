// Package gcs archives raw submissions in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

var _ ingest.BlobStore = (*BlobStore)(nil)

// Config names the archive bucket.
type Config struct {
	Bucket string
}

// WriterFunc opens a writer for one object. Canceling ctx must abort the upload.
type WriterFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// BlobStore uploads each object with a single request.
type BlobStore struct {
	open   WriterFunc
	bucket string
}

// New builds a BlobStore over client. The client is owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: client is required")
	}
	return NewWithWriter(func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		// Submissions are small; skip resumable uploads.
		w.ChunkSize = 0
		return w
	}, cfg)
}

// NewWithWriter builds a BlobStore over a custom writer factory. Tests use it.
func NewWithWriter(open WriterFunc, cfg Config) (*BlobStore, error) {
	switch {
	case open == nil:
		return nil, errors.New("gcs: writer factory is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("gcs: storage.gcs_bucket is required")
	}
	return &BlobStore{open: open, bucket: cfg.Bucket}, nil
}

// PutObject uploads r as object and returns its gs:// URI. A failed copy
// cancels the upload so no partial object is created.
func (s *BlobStore) PutObject(ctx context.Context, object string, contentType string, r io.Reader) (string, error) {
	object = strings.TrimLeft(strings.TrimSpace(object), "/")
	if object == "" {
		return "", errors.New("gcs: object path is required")
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.open(uploadCtx, s.bucket, object, contentType)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, object, err)
	}
	return "gs://" + s.bucket + "/" + object, nil
}
