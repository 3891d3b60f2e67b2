package minio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/thumbnailer/internal/model"
)

type putRecorder struct {
	mu      sync.Mutex
	paths   []string
	headers []http.Header
	status  int
}

func (r *putRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPut {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()

	if r.status != 0 {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(r.status)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
		return
	}

	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func newTestStorage(t *testing.T, rec *putRecorder) *Storage {
	t.Helper()

	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	client, err := minio.New(strings.TrimPrefix(srv.URL, "http://"), &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Secure: false,
		Region: "us-east-1",
	})
	require.NoError(t, err)

	return &Storage{client: client, bucketName: "images"}
}

func TestStorage_Publish(t *testing.T) {
	rec := &putRecorder{}
	s := newTestStorage(t, rec)

	path := filepath.Join(t.TempDir(), "abc.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n rest of png"), 0o644))

	require.NoError(t, s.Publish(context.Background(), "THUMB-abc.png", path))

	require.Len(t, rec.paths, 1)
	assert.Equal(t, "/images/THUMB-abc.png", rec.paths[0])
	assert.Equal(t, "public-read", rec.headers[0].Get("X-Amz-Acl"))
	assert.Equal(t, "image/png", rec.headers[0].Get("Content-Type"))
}

func TestStorage_Publish_Denied(t *testing.T) {
	rec := &putRecorder{status: http.StatusForbidden}
	s := newTestStorage(t, rec)

	path := filepath.Join(t.TempDir(), "abc.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := s.Publish(context.Background(), "ORIGINAL-abc.png", path)
	assert.ErrorIs(t, err, model.ErrPublish)
}

func TestStorage_Publish_MissingFile(t *testing.T) {
	s := newTestStorage(t, &putRecorder{})

	err := s.Publish(context.Background(), "ORIGINAL-abc.png", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, model.ErrPublish)
}
