package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/ttlcache"
)

func TestAllowAll(t *testing.T) {
	c := AllowAll{}
	ok, err := c.ValidateInstall(context.Background(), "t", "e", "h")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPClient_ValidatesAndCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "t1", r.URL.Query().Get("tenant"))
		w.Write([]byte(`{"valid": true}`))
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c := NewHTTPClient(base, "key123", ttlcache.NewMemoryCache())

	ok, err := c.ValidateInstall(context.Background(), "t1", "ext", "abcd")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateInstall(context.Background(), "t1", "ext", "abcd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestHTTPClient_DeniesOnNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c := NewHTTPClient(base, "", ttlcache.NewMemoryCache())

	ok, err := c.ValidateInstall(context.Background(), "t", "e", "h")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPClient_DeniesWhenBaseURLMissing(t *testing.T) {
	c := NewHTTPClient(nil, "", ttlcache.NewMemoryCache())
	ok, err := c.ValidateInstall(context.Background(), "t", "e", "h")
	require.NoError(t, err)
	assert.False(t, ok)
}
