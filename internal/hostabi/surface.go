package hostabi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/extrun/internal/debughub"
	"github.com/ocx/extrun/internal/metrics"
	"github.com/ocx/extrun/internal/secretresolve"
)

const httpFetchTimeout = 30 * time.Second

// InvocationContext is the per-call, capability-scoped state a Surface
// operates against: the grant set, the execution's ContextData, the
// resolved secret material, and where log/debug events should go.
type InvocationContext struct {
	Context    context.Context
	Grants     Grants
	Data       ContextData
	Secrets    secretresolve.Material
	Hub        *debughub.Hub
	EgressOK   func(host string) bool
	StorageCfg StorageConfig
	ProxyCfg   ProxyConfig
	Logger     *slog.Logger
}

// StorageConfig points the storage.kv surface at the backing HTTP API.
type StorageConfig struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
}

// ProxyConfig points ui_proxy.call_route at the UI proxy base URL.
type ProxyConfig struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
}

// Surface implements every C8 host operation against one InvocationContext.
type Surface struct {
	inv *InvocationContext
}

func NewSurface(inv *InvocationContext) *Surface {
	return &Surface{inv: inv}
}

// deny records a capability_denied metric and returns the typed error
// that the capability checks below return on denial. emitLog and
// SecretsListKeys do not use it: without their grant they return no error.
func (s *Surface) deny(cap Capability) *HostError {
	metrics.CapabilityDeniedTotal.WithLabelValues(string(cap)).Inc()
	return deniedErr()
}

// GetContext implements context.get().
func (s *Surface) GetContext() (ContextData, *HostError) {
	if !s.inv.Grants.Has(CapContextRead) {
		return ContextData{}, s.deny(CapContextRead)
	}
	return s.inv.Data, nil
}

// LogInfo/LogWarn/LogError implement log.info|warn|error(message).
func (s *Surface) LogInfo(message string)  { s.emitLog("info", message) }
func (s *Surface) LogWarn(message string)  { s.emitLog("warn", message) }
func (s *Surface) LogError(message string) { s.emitLog("error", message) }

func (s *Surface) emitLog(level, message string) {
	if !s.inv.Grants.Has(CapLogEmit) {
		return
	}
	s.emitStream("log", level, message)
}

// EmitStdoutLine and EmitStderrLine forward captured guest output to the
// debug hub. These are host-side captures, not guest-callable operations,
// so they are not capability-gated.
func (s *Surface) EmitStdoutLine(line string) { s.emitStream("stdout", "info", line) }
func (s *Surface) EmitStderrLine(line string) { s.emitStream("stderr", "error", line) }

func (s *Surface) emitStream(stream, level, message string) {
	if s.inv.Hub == nil {
		return
	}
	s.inv.Hub.Publish(debughub.Event{
		Stream:      stream,
		Level:       level,
		TenantID:    s.inv.Data.TenantID,
		ExtensionID: s.inv.Data.ExtensionID,
		InstallID:   s.inv.Data.InstallID,
		RequestID:   s.inv.Data.RequestID,
		VersionID:   s.inv.Data.VersionID,
		Message:     message,
	})
}

// Fetch implements http.fetch(request).
func (s *Surface) Fetch(req HTTPRequest) (HTTPResponse, *HostError) {
	if !s.inv.Grants.Has(CapHTTPFetch) {
		return HTTPResponse{}, s.deny(CapHTTPFetch)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return HTTPResponse{}, &HostError{Kind: ErrInvalidURL}
	}
	if s.inv.EgressOK != nil && !s.inv.EgressOK(u.Hostname()) {
		return HTTPResponse{}, &HostError{Kind: ErrNotAllowed}
	}

	ctx, cancel := context.WithTimeout(s.inv.Context, httpFetchTimeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return HTTPResponse{}, &HostError{Kind: ErrInvalidURL}
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	client := http.DefaultClient
	resp, err := client.Do(httpReq)
	if err != nil {
		return HTTPResponse{}, &HostError{Kind: ErrTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResponse{}, &HostError{Kind: ErrInternal, Message: err.Error()}
	}

	var headers []HTTPHeader
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, HTTPHeader{Name: name, Value: v})
		}
	}

	return HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: respBody}, nil
}

// SecretsGet implements secrets.get(key).
func (s *Surface) SecretsGet(key string) (string, *HostError) {
	if !s.inv.Grants.Has(CapSecretsGet) {
		return "", s.deny(CapSecretsGet)
	}
	if s.inv.Secrets.Values == nil {
		return "", &HostError{Kind: ErrMissing}
	}
	v, ok := s.inv.Secrets.Values[key]
	if !ok {
		return "", &HostError{Kind: ErrMissing}
	}
	return v, nil
}

// SecretsListKeys implements secrets.list_keys().
func (s *Surface) SecretsListKeys() []string {
	if !s.inv.Grants.Has(CapSecretsGet) {
		return nil
	}
	keys := make([]string, 0, len(s.inv.Secrets.Values))
	for k := range s.inv.Secrets.Values {
		keys = append(keys, k)
	}
	return keys
}

// StorageGet/Put/Delete/ListEntries implement storage.kv against the
// install-scoped storage API.
func (s *Surface) StorageGet(namespace, key string) (StorageEntry, *HostError) {
	return s.storageCall("get", map[string]any{"namespace": namespace, "key": key})
}

func (s *Surface) StoragePut(entry StorageEntry, ifRevision *int64) (StorageEntry, *HostError) {
	payload := map[string]any{
		"namespace": entry.Namespace,
		"key":       entry.Key,
		"value":     base64.StdEncoding.EncodeToString(entry.Value),
	}
	if ifRevision != nil {
		payload["ifRevision"] = *ifRevision
	}
	return s.storageCall("put", payload)
}

func (s *Surface) StorageDelete(namespace, key string) (StorageEntry, *HostError) {
	return s.storageCall("delete", map[string]any{"namespace": namespace, "key": key})
}

func (s *Surface) StorageListEntries(namespace string) ([]StorageEntry, *HostError) {
	if !s.inv.Grants.Has(CapStorageKV) {
		return nil, s.deny(CapStorageKV)
	}
	if s.inv.Data.InstallID == "" {
		return nil, s.deny(CapStorageKV)
	}
	resp, herr := s.callStorageAPI("list", map[string]any{"namespace": namespace})
	if herr != nil {
		return nil, herr
	}
	var parsed struct {
		Entries []struct {
			Namespace string `json:"namespace"`
			Key       string `json:"key"`
			Value     string `json:"value"`
			Revision  *int64 `json:"revision"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, &HostError{Kind: ErrInternal, Message: err.Error()}
	}
	out := make([]StorageEntry, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		val, _ := base64.StdEncoding.DecodeString(e.Value)
		out = append(out, StorageEntry{Namespace: e.Namespace, Key: e.Key, Value: val, Revision: e.Revision})
	}
	return out, nil
}

func (s *Surface) storageCall(op string, payload map[string]any) (StorageEntry, *HostError) {
	if !s.inv.Grants.Has(CapStorageKV) {
		return StorageEntry{}, s.deny(CapStorageKV)
	}
	if s.inv.Data.InstallID == "" {
		return StorageEntry{}, s.deny(CapStorageKV)
	}
	resp, herr := s.callStorageAPI(op, payload)
	if herr != nil {
		return StorageEntry{}, herr
	}
	var parsed struct {
		Namespace string `json:"namespace"`
		Key       string `json:"key"`
		Value     string `json:"value"`
		Revision  *int64 `json:"revision"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return StorageEntry{}, &HostError{Kind: ErrInternal, Message: err.Error()}
	}
	val, _ := base64.StdEncoding.DecodeString(parsed.Value)
	return StorageEntry{Namespace: parsed.Namespace, Key: parsed.Key, Value: val, Revision: parsed.Revision}, nil
}

func (s *Surface) callStorageAPI(op string, payload map[string]any) ([]byte, *HostError) {
	cfg := s.inv.StorageCfg
	payload["operation"] = op
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &HostError{Kind: ErrInternal, Message: err.Error()}
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/api/internal/ext-storage/install/" + s.inv.Data.InstallID
	req, err := http.NewRequestWithContext(s.inv.Context, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &HostError{Kind: ErrInternal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("x-runner-auth", cfg.AuthToken)
	}

	client := cfg.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &HostError{Kind: ErrInternal, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case 401, 403, 429:
		return nil, &HostError{Kind: ErrDenied}
	case 404:
		return nil, &HostError{Kind: ErrMissing}
	case 409:
		return nil, &HostError{Kind: ErrConflict}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HostError{Kind: ErrInternal, Message: fmt.Sprintf("storage api status %d", resp.StatusCode)}
	}
	return respBody, nil
}

// UIProxyCallRoute implements ui_proxy.call_route(route, payload?).
func (s *Surface) UIProxyCallRoute(route string, payload []byte) ([]byte, *HostError) {
	if !s.inv.Grants.Has(CapUIProxy) {
		return nil, s.deny(CapUIProxy)
	}
	cfg := s.inv.ProxyCfg
	if cfg.BaseURL == "" {
		return nil, &HostError{Kind: ErrRouteNotFnd}
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/" + s.inv.Data.ExtensionID + "/" + strings.TrimLeft(route, "/")
	req, err := http.NewRequestWithContext(s.inv.Context, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &HostError{Kind: ErrInternal, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-alga-tenant", s.inv.Data.TenantID)
	req.Header.Set("x-alga-extension", s.inv.Data.ExtensionID)
	if cfg.AuthToken != "" {
		req.Header.Set("x-runner-auth", cfg.AuthToken)
	}

	client := cfg.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &HostError{Kind: ErrTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return nil, &HostError{Kind: ErrRouteNotFnd}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HostError{Kind: ErrInternal, Message: strconv.Itoa(resp.StatusCode)}
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HostError{Kind: ErrTransport, Message: err.Error()}
	}
	return out, nil
}
