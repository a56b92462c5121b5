package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		gotBucket, gotObject, gotType string
		w                             = &bufferWriter{}
	)
	store, err := NewWithWriter(func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
		gotBucket, gotObject, gotType = bucket, object, contentType
		return w
	}, Config{Bucket: "amp-raw"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "submissions/2024/01/02/job-1.json", "application/json", strings.NewReader(`{"uuid":"abc-123"}`))
	require.NoError(t, err)
	require.Equal(t, "gs://amp-raw/submissions/2024/01/02/job-1.json", uri)
	require.Equal(t, "amp-raw", gotBucket)
	require.Equal(t, "submissions/2024/01/02/job-1.json", gotObject)
	require.Equal(t, "application/json", gotType)
	require.Equal(t, `{"uuid":"abc-123"}`, w.String())
	require.True(t, w.closed)
}

func TestPutObjectCloseError(t *testing.T) {
	t.Parallel()

	store, err := NewWithWriter(func(context.Context, string, string, string) io.WriteCloser {
		return &bufferWriter{closeErr: errors.New("quota")}
	}, Config{Bucket: "amp-raw"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "a.json", "", strings.NewReader("{}"))
	require.ErrorContains(t, err, "quota")
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("{}"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = NewWithWriter(func(context.Context, string, string, string) io.WriteCloser { return &bufferWriter{} }, Config{})
	require.Error(t, err)
	_, err = NewWithWriter(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestPutObjectCopyFailureCancelsUpload(t *testing.T) {
	t.Parallel()

	var uploadCtx context.Context
	w := &bufferWriter{}
	store, err := NewWithWriter(func(ctx context.Context, _, _, _ string) io.WriteCloser {
		uploadCtx = ctx
		return w
	}, Config{Bucket: "amp-raw"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "/submissions/a.json", "application/json", failingReader{})
	require.ErrorContains(t, err, "disk gone")
	require.ErrorContains(t, err, "gs://amp-raw/submissions/a.json")
	require.ErrorIs(t, uploadCtx.Err(), context.Canceled)
	require.True(t, w.closed)
}
