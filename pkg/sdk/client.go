// Package sdk is the Go client library platform services embed to call
// the extension runner: execute an extension handler, pre-warm a
// bundle's UI cache, and check liveness.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    RunnerURL: "http://extrun.internal:8080",
//	    TenantID:  "acme-corp",
//	    APIKey:    os.Getenv("EXTRUN_API_KEY"),
//	})
//
//	resp, err := client.Execute(ctx, sdk.ExecuteRequest{
//	    Context: sdk.RequestContext{
//	        ExtensionID: "pii-scanner",
//	        ContentHash: "sha256:...",
//	    },
//	    HTTP: sdk.HTTPPayload{Method: "POST", Path: "/scan"},
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the runner SDK configuration.
type Config struct {
	// RunnerURL is the runner's base URL (required).
	RunnerURL string

	// TenantID identifies your organization; filled into every request
	// context that does not set one explicitly.
	TenantID string

	// APIKey authenticates requests, sent as x-api-key.
	APIKey string

	// Timeout bounds each call end to end (default 90s — the runner's
	// own guest timeout plus fetch/compile headroom).
	Timeout time.Duration
}

// Client calls the extension runner's HTTP API.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Execute invokes an extension handler and returns its normalized
// response. Use ExecuteIdempotent to make retries replay-safe.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	return c.ExecuteIdempotent(ctx, req, "")
}

// ExecuteIdempotent is Execute with an explicit x-idempotency-key.
func (c *Client) ExecuteIdempotent(ctx context.Context, req ExecuteRequest, idemKey string) (*ExecuteResponse, error) {
	if req.Context.TenantID == "" {
		req.Context.TenantID = c.config.TenantID
	}

	var resp ExecuteResponse
	hdr := map[string]string{}
	if idemKey != "" {
		hdr["x-idempotency-key"] = idemKey
	}
	if err := c.post(ctx, "/v1/execute", req, &resp, hdr); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Warmup pre-extracts the UI cache for a content hash so the first real
// asset request is a disk hit.
func (c *Client) Warmup(ctx context.Context, contentHash string) (*WarmupResponse, error) {
	var resp WarmupResponse
	body := map[string]string{"content_hash": contentHash}
	if err := c.post(ctx, "/warmup", body, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks runner liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.RunnerURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any, extraHeaders map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RunnerURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
