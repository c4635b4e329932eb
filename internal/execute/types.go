// Package execute implements the POST /v1/execute pipeline: validate the
// request, resolve secrets, fetch and compile the guest WASM module,
// invoke its handler, and marshal the response. An idempotency-key replay
// short-circuits the whole pipeline when a prior response is on file.
package execute

import (
	"encoding/base64"
	"time"

	"github.com/ocx/extrun/internal/hostabi"
	"github.com/ocx/extrun/internal/secretresolve"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// ExecuteRequest is the JSON body of POST /v1/execute.
type ExecuteRequest struct {
	Context        RequestContext      `json:"context"`
	HTTP           HTTPPayload         `json:"http"`
	Limits         Limits              `json:"limits"`
	SecretEnvelope *SecretEnvelopeWire `json:"secret_envelope,omitempty"`
	Providers      []string            `json:"providers,omitempty"`
}

// RequestContext identifies the tenant, extension, and bundle to execute.
type RequestContext struct {
	RequestID   string            `json:"request_id,omitempty"`
	TenantID    string            `json:"tenant_id"`
	ExtensionID string            `json:"extension_id"`
	InstallID   string            `json:"install_id,omitempty"`
	ContentHash string            `json:"content_hash"`
	VersionID   string            `json:"version_id,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// HTTPPayload is the normalized HTTP request handed to the extension.
type HTTPPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyB64 string            `json:"body_b64,omitempty"`
}

// Limits bounds one invocation; zero values mean "use default".
type Limits struct {
	TimeoutMs *int `json:"timeout_ms,omitempty"`
	MemoryMB  *int `json:"memory_mb,omitempty"`
	Fuel      *int `json:"fuel,omitempty"`
}

// SecretEnvelopeWire is the wire shape of a SecretEnvelope.
type SecretEnvelopeWire struct {
	CiphertextB64 string  `json:"ciphertext_b64"`
	Version       string  `json:"version,omitempty"`
	Algorithm     string  `json:"algorithm,omitempty"`
	ExpiresAt     *string `json:"expires_at,omitempty"`
	KeyPath       string  `json:"key_path,omitempty"`
	Mount         string  `json:"mount,omitempty"`
}

func (w *SecretEnvelopeWire) toEnvelope() (secretresolve.Envelope, error) {
	env := secretresolve.Envelope{
		CiphertextB64: w.CiphertextB64,
		Version:       w.Version,
		Algorithm:     w.Algorithm,
		KeyPath:       w.KeyPath,
		Mount:         w.Mount,
	}
	if w.ExpiresAt != nil {
		t, err := parseRFC3339(*w.ExpiresAt)
		if err != nil {
			return secretresolve.Envelope{}, err
		}
		env.ExpiresAt = &t
	}
	return env, nil
}

// ExecuteResponse is the JSON body returned by POST /v1/execute.
type ExecuteResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyB64 string            `json:"body_b64,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// guestRequest is the ABI payload handed to the guest's handler export,
// JSON over a ptr/len pair in linear memory.
type guestRequest struct {
	Method  string               `json:"method"`
	Path    string               `json:"path"`
	Query   string               `json:"query"`
	Headers []hostabi.HTTPHeader `json:"headers,omitempty"`
	Body    []byte               `json:"body,omitempty"`
}

// guestResponse is the ABI counterpart guest handlers write back.
type guestResponse struct {
	Status  int                  `json:"status"`
	Headers []hostabi.HTTPHeader `json:"headers,omitempty"`
	Body    []byte               `json:"body,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func decodeBodyB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
