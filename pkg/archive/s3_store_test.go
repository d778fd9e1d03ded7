package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves path-style HEAD/PUT/GET for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.puts++
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:   "receipts",
		Region:   "us-east-1",
		Endpoint: srv.URL,
		Prefix:   "node-a/",
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Store_PutGet(t *testing.T) {
	s, fake := newFakeS3Store(t)
	ctx := context.Background()
	data := []byte(`{"task_id":"task-1"}`)

	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)

	key := "receipts/node-a/" + strings.TrimPrefix(digest, "sha256:") + ".json"
	assert.Equal(t, data, fake.objects[key])

	_, err = s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts, "existing object is not re-uploaded")

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestS3Store_Missing(t *testing.T) {
	s, _ := newFakeS3Store(t)
	ctx := context.Background()
	absent := Digest([]byte("nope"))

	ok, err := s.Exists(ctx, absent)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, absent)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "bogus")
	assert.ErrorIs(t, err, ErrInvalidDigest)
}
