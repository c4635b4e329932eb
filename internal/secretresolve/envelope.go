// Package secretresolve decrypts a tenant's secret envelope into an
// in-memory plaintext map and caches it for a bounded TTL, keyed so a
// changed ciphertext always forces a re-decrypt. Two algorithm families
// are supported: a vault-transit remote decrypt call, and an inline
// envelope whose ciphertext is either a plain base64 JSON map or, for
// algorithm "local-aead", a ChaCha20-Poly1305-sealed JSON map opened with
// SECRET_LOCAL_AEAD_KEY (for deployments without a Vault transit backend).
// Plaintext never touches disk.
package secretresolve

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/metrics"
	"github.com/ocx/extrun/internal/ttlcache"
)

const defaultTTL = 30 * time.Second

// Envelope carries encrypted secret material plus metadata sufficient
// to decrypt and cache it.
type Envelope struct {
	CiphertextB64 string
	Version       string
	Algorithm     string
	ExpiresAt     *time.Time
	KeyPath       string
	Mount         string
}

// Material is the decrypted, in-memory-only result of resolving an
// Envelope. Never persisted to disk.
type Material struct {
	Values  map[string]string
	Version string
}

// Decrypter decrypts an envelope's ciphertext into a plaintext JSON map,
// implemented by VaultTransitDecrypter (vault.go) and
// LocalEnvelopeDecrypter (local.go).
type Decrypter interface {
	Decrypt(ctx context.Context, env Envelope) (map[string]string, error)
}

// Resolver resolves and caches SecretMaterial.
type Resolver struct {
	Vault Decrypter
	Local Decrypter
	Cache ttlcache.Cache
}

func NewResolver(vault, local Decrypter, cache ttlcache.Cache) *Resolver {
	return &Resolver{Vault: vault, Local: local, Cache: cache}
}

// Resolve implements the C6 contract: resolve(tenant, extension,
// install, envelope) -> Material.
func (r *Resolver) Resolve(ctx context.Context, tenantID, extensionID, installID string, env Envelope) (Material, error) {
	if strings.TrimSpace(env.CiphertextB64) == "" {
		return Material{Values: map[string]string{}}, nil
	}

	digest := ciphertextDigest(env.CiphertextB64)
	key := cacheKey(tenantID, extensionID, installID, env.Version, digest)

	if cached, ok, err := r.Cache.Get(ctx, key); err == nil && ok {
		var entry cachedEntry
		if err := json.Unmarshal(cached, &entry); err == nil && entry.Digest == digest {
			metrics.SecretResolutionsTotal.WithLabelValues("hit").Inc()
			return Material{Values: entry.Values, Version: entry.Version}, nil
		}
	}
	metrics.SecretResolutionsTotal.WithLabelValues("miss").Inc()

	values, err := r.decrypt(ctx, env)
	if err != nil {
		return Material{}, err
	}

	material := Material{Values: values, Version: env.Version}
	ttl := computeTTL(env)
	entry := cachedEntry{Values: values, Version: env.Version, Digest: digest}
	if blob, err := json.Marshal(entry); err == nil {
		_ = r.Cache.Set(ctx, key, blob, ttl)
	}

	return material, nil
}

type cachedEntry struct {
	Values  map[string]string `json:"values"`
	Version string            `json:"version"`
	Digest  string            `json:"digest"`
}

func (r *Resolver) decrypt(ctx context.Context, env Envelope) (map[string]string, error) {
	alg := strings.ToLower(strings.TrimSpace(env.Algorithm))
	if strings.HasPrefix(alg, "vault-transit") {
		if env.KeyPath == "" {
			return nil, apierr.New(apierr.CodeSecretResolveFailed, "secret_envelope.key_path missing for vault transit")
		}
		if r.Vault == nil {
			return nil, apierr.New(apierr.CodeSecretResolveFailed, "vault transit not configured")
		}
		return r.Vault.Decrypt(ctx, env)
	}
	return r.Local.Decrypt(ctx, env)
}

func cacheKey(tenantID, extensionID, installID, version, digest string) string {
	if version == "" {
		version = "none"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", tenantID, extensionID, installID, version, digest)
}

func ciphertextDigest(ciphertextB64 string) string {
	sum := sha256.Sum256([]byte(ciphertextB64))
	return hex.EncodeToString(sum[:])
}

func computeTTL(env Envelope) time.Duration {
	if env.ExpiresAt != nil {
		if d := time.Until(*env.ExpiresAt); d > 0 {
			if d < defaultTTL {
				return d
			}
			return defaultTTL
		}
	}
	return defaultTTL
}

func decodeJSONMap(raw []byte) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse secret map: %w", err)
	}
	return m, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}
