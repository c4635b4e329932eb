package secretresolve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/extrun/internal/ttlcache"
)

func inlineEnvelope(t *testing.T, values map[string]string) Envelope {
	t.Helper()
	raw, err := json.Marshal(values)
	require.NoError(t, err)
	return Envelope{CiphertextB64: base64.StdEncoding.EncodeToString(raw)}
}

func TestResolver_InlineEnvelope(t *testing.T) {
	local := &LocalEnvelopeDecrypter{}
	r := NewResolver(nil, local, ttlcache.NewMemoryCache())

	env := inlineEnvelope(t, map[string]string{"API_KEY": "abc123"})
	mat, err := r.Resolve(context.Background(), "t1", "ext", "inst", env)
	require.NoError(t, err)
	assert.Equal(t, "abc123", mat.Values["API_KEY"])
}

func TestResolver_CachesByDigest(t *testing.T) {
	local := &LocalEnvelopeDecrypter{}
	r := NewResolver(nil, local, ttlcache.NewMemoryCache())
	ctx := context.Background()

	env := inlineEnvelope(t, map[string]string{"K": "v1"})
	mat1, err := r.Resolve(ctx, "t", "e", "i", env)
	require.NoError(t, err)
	assert.Equal(t, "v1", mat1.Values["K"])

	// Same envelope again -> same digest -> same values.
	mat2, err := r.Resolve(ctx, "t", "e", "i", env)
	require.NoError(t, err)
	assert.Equal(t, mat1.Values, mat2.Values)

	// Different ciphertext -> different digest -> re-decrypt.
	env2 := inlineEnvelope(t, map[string]string{"K": "v2"})
	mat3, err := r.Resolve(ctx, "t", "e", "i", env2)
	require.NoError(t, err)
	assert.Equal(t, "v2", mat3.Values["K"])
}

func TestResolver_EmptyCiphertext(t *testing.T) {
	local := &LocalEnvelopeDecrypter{}
	r := NewResolver(nil, local, ttlcache.NewMemoryCache())
	mat, err := r.Resolve(context.Background(), "t", "e", "i", Envelope{})
	require.NoError(t, err)
	assert.Empty(t, mat.Values)
}

func TestLocalAEAD_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext, err := json.Marshal(map[string]string{"TOKEN": "sealed-value"})
	require.NoError(t, err)

	sealed, err := SealLocalAEAD(key, plaintext)
	require.NoError(t, err)

	local := &LocalEnvelopeDecrypter{AEADKey: key}
	r := NewResolver(nil, local, ttlcache.NewMemoryCache())

	env := Envelope{
		CiphertextB64: base64.StdEncoding.EncodeToString(sealed),
		Algorithm:     "local-aead",
	}
	mat, err := r.Resolve(context.Background(), "t", "e", "i", env)
	require.NoError(t, err)
	assert.Equal(t, "sealed-value", mat.Values["TOKEN"])
}

func TestVaultTransitDecrypter(t *testing.T) {
	plaintext, err := json.Marshal(map[string]string{"DB_PASSWORD": "s3cr3t"})
	require.NoError(t, err)
	encodedPlaintext := base64.StdEncoding.EncodeToString(plaintext)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-123", r.Header.Get("X-Vault-Token"))
		w.Write([]byte(`{"data":{"plaintext":"` + encodedPlaintext + `"}}`))
	}))
	defer srv.Close()

	vault := NewVaultTransitDecrypter(srv.URL, "tok-123", "", "transit")
	r := NewResolver(vault, &LocalEnvelopeDecrypter{}, ttlcache.NewMemoryCache())

	env := Envelope{
		CiphertextB64: "ciphertext-blob",
		Algorithm:     "vault-transit",
		KeyPath:       "my-key",
	}
	mat, err := r.Resolve(context.Background(), "t", "e", "i", env)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", mat.Values["DB_PASSWORD"])
}

func TestVaultTransitDecrypter_RequiresKeyPath(t *testing.T) {
	r := NewResolver(NewVaultTransitDecrypter("http://vault.local", "tok", "", "transit"), &LocalEnvelopeDecrypter{}, ttlcache.NewMemoryCache())
	env := Envelope{CiphertextB64: "blob", Algorithm: "vault-transit"}
	_, err := r.Resolve(context.Background(), "t", "e", "i", env)
	require.Error(t, err)
}

func TestComputeTTL_RespectsExpiresAt(t *testing.T) {
	soon := time.Now().Add(5 * time.Second)
	env := Envelope{ExpiresAt: &soon}
	ttl := computeTTL(env)
	assert.LessOrEqual(t, ttl, 5*time.Second)
	assert.Greater(t, ttl, time.Duration(0))
}
