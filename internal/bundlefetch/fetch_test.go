package bundlefetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/bundlecache"
)

func TestFetchVerified_Success(t *testing.T) {
	body := []byte("fake archive bytes")
	sum := sha256.Sum256(body)
	hashHex := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	cache := bundlecache.New(t.TempDir())
	f := New(srv.URL, srv.Client())

	path, err := f.FetchVerified(context.Background(), cache, srv.URL+"/anything", hashHex)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetchVerified_HashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("totally different bytes"))
	}))
	defer srv.Close()

	cache := bundlecache.New(t.TempDir())
	f := New(srv.URL, srv.Client())

	_, err := f.FetchVerified(context.Background(), cache, srv.URL+"/anything", "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	require.Error(t, err)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)

	entries, _ := os.ReadDir(cache.Root)
	for _, e := range entries {
		if e.Name() == "tmp" {
			tmpEntries, _ := os.ReadDir(cache.Root + "/tmp")
			assert.Empty(t, tmpEntries, "temp archive should be removed on mismatch")
		}
	}
}

func TestFetchVerified_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache := bundlecache.New(t.TempDir())
	f := New(srv.URL, srv.Client())

	_, err := f.FetchVerified(context.Background(), cache, srv.URL+"/x", "deadbeef")
	require.Error(t, err)
}

func TestBundleURL(t *testing.T) {
	f := New("http://store.local/", nil)
	assert.Equal(t, "http://store.local/sha256/abcd/bundle.tar.zst", f.BundleURL("abcd"))
	assert.Equal(t, "http://store.local/sha256/abcd/dist/main.wasm", f.WasmKeyURL("abcd"))
}
