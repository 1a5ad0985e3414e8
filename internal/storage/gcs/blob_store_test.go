package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type uploadRecorder struct {
	mu    sync.Mutex
	names []string
	body  []byte
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	name := r.URL.Query().Get("name")
	u.mu.Lock()
	u.names = append(u.names, name)
	u.body = body
	u.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"bucket":"raw-bucket","name":%q}`, name)
}

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	rec := &uploadRecorder{}
	store := newTestStore(t, rec, Config{Bucket: "raw-bucket", Prefix: "/harvest/"})

	uri, err := store.PutObject(context.Background(), "products/a-1.html", "text/html", bytes.NewReader([]byte("<html>a</html>")))
	require.NoError(t, err)
	require.Equal(t, "gs://raw-bucket/harvest/products/a-1.html", uri)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"harvest/products/a-1.html"}, rec.names)
	require.Contains(t, string(rec.body), "<html>a</html>")
}

func TestPutObjectSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}), Config{Bucket: "raw-bucket"})

	_, err := store.PutObject(context.Background(), "x.html", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	_, err = New(client, Config{})
	require.ErrorContains(t, err, "archive.bucket")

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
