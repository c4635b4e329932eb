// Package registry validates tenant/extension/content-hash installs
// against the extension registry before a UI bundle or wasm module is
// served. It supports a strict mode, where an unreachable or denying
// registry fails closed, and a permissive mode, where validation is
// skipped entirely. Results are held in a short-TTL cache so repeated
// requests for the same install cost one upstream call.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ocx/extrun/internal/metrics"
	"github.com/ocx/extrun/internal/ttlcache"
)

const (
	validateTimeout = 750 * time.Millisecond
	cacheTTL        = 45 * time.Second
)

// Client validates that a tenant is entitled to serve extensionID at
// contentHash.
type Client interface {
	ValidateInstall(ctx context.Context, tenantID, extensionID, contentHash string) (bool, error)
}

// AllowAll always validates; used when strict validation is disabled.
type AllowAll struct{}

func (AllowAll) ValidateInstall(ctx context.Context, tenantID, extensionID, contentHash string) (bool, error) {
	return true, nil
}

// DenyAll always denies; the fail-closed stand-in when strict validation
// is enabled but no registry base URL is configured.
type DenyAll struct{}

func (DenyAll) ValidateInstall(ctx context.Context, tenantID, extensionID, contentHash string) (bool, error) {
	return false, nil
}

// HTTPClient calls a registry HTTP endpoint and caches the result for
// cacheTTL. Any transport error, timeout, or non-2xx response is treated
// as "not valid" and cached as such, so a flapping registry fails closed
// rather than hammering it.
type HTTPClient struct {
	BaseURL *url.URL
	APIKey  string
	HTTP    *http.Client
	Cache   ttlcache.Cache
	Logger  *slog.Logger
}

func NewHTTPClient(baseURL *url.URL, apiKey string, cache ttlcache.Cache) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: validateTimeout},
		Cache:   cache,
	}
}

func cacheKey(tenantID, extensionID, contentHash string) string {
	return tenantID + ":" + extensionID + ":" + contentHash
}

func (c *HTTPClient) ValidateInstall(ctx context.Context, tenantID, extensionID, contentHash string) (bool, error) {
	log := c.logger().With("tenant", tenantID, "extension", extensionID, "content_hash", contentHash)

	if c.BaseURL == nil {
		log.Warn("registry base url not configured in strict mode, denying")
		return false, nil
	}

	key := cacheKey(tenantID, extensionID, contentHash)
	if cached, ok, err := c.Cache.Get(ctx, key); err == nil && ok {
		valid := len(cached) > 0 && cached[0] == 1
		metrics.RegistryCacheHitTotal.Inc()
		log.Info("registry validation served from cache", "valid", valid)
		return valid, nil
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	u := *c.BaseURL
	u.Path = "/api/installs/validate"
	q := u.Query()
	q.Set("tenant", tenantID)
	q.Set("extension", extensionID)
	q.Set("hash", contentHash)
	q.Set("ts", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build registry request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	} else {
		log.Warn("no registry api key configured; request may be unauthorized")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Error("registry validation request failed", "error", err)
		c.store(ctx, key, false)
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("registry returned non-success status", "status", resp.StatusCode)
		c.store(ctx, key, false)
		return false, nil
	}

	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Error("failed to parse registry validation response", "error", err)
		c.store(ctx, key, false)
		return false, nil
	}

	c.store(ctx, key, body.Valid)
	if body.Valid {
		log.Info("registry validation approved")
	} else {
		metrics.RegistryDeniedTotal.Inc()
		log.Info("registry validation denied")
	}
	return body.Valid, nil
}

func (c *HTTPClient) store(ctx context.Context, key string, valid bool) {
	b := []byte{0}
	if valid {
		b[0] = 1
	}
	if err := c.Cache.Set(ctx, key, b, cacheTTL); err != nil {
		c.logger().Warn("registry cache write failed", "error", err)
	}
}

func (c *HTTPClient) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
