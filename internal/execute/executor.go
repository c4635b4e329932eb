package execute

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/archive"
	"github.com/ocx/extrun/internal/auditlog"
	"github.com/ocx/extrun/internal/bundlecache"
	"github.com/ocx/extrun/internal/bundlefetch"
	"github.com/ocx/extrun/internal/debughub"
	"github.com/ocx/extrun/internal/hostabi"
	"github.com/ocx/extrun/internal/metrics"
	"github.com/ocx/extrun/internal/pathutil"
	"github.com/ocx/extrun/internal/registry"
	"github.com/ocx/extrun/internal/secretresolve"
	"github.com/ocx/extrun/internal/wasmengine"
)

// bundleWasmMember is where a wasm component lives inside bundle.tar.zst
// when the dedicated dist/main.wasm object is absent.
const bundleWasmMember = "wasm/main.wasm"

// defaultMemoryMB caps a guest's linear memory when the request's limits
// don't name one.
const defaultMemoryMB = 64

// Options carries the executor's collaborators and tunables.
type Options struct {
	Engine   *wasmengine.Engine
	Fetcher  *bundlefetch.Fetcher
	Cache    *bundlecache.Cache
	Secrets  *secretresolve.Resolver
	Registry registry.Client
	Hub      *debughub.Hub
	Audit    auditlog.Sink
	Logger   *slog.Logger

	EgressAllowlist  []string
	StorageCfg       hostabi.StorageConfig
	ProxyCfg         hostabi.ProxyConfig
	DefaultTimeoutMs int
	IdempotencyCap   int
}

// Executor runs the POST /v1/execute pipeline.
type Executor struct {
	opts Options
	idem *idempotencyStore

	// invoke is swapped out by tests so the pipeline can be exercised
	// without a real guest binary.
	invoke func(ctx context.Context, hashHex string, surface *hostabi.Surface, input []byte, memoryMB int, timeout time.Duration) ([]byte, error)
}

func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = 5000
	}
	e := &Executor{
		opts: opts,
		idem: newIdempotencyStore(opts.IdempotencyCap),
	}
	e.invoke = e.invokeGuest
	return e
}

// Execute runs the full pipeline for one request. idemKey and requestID
// come from the x-idempotency-key / x-request-id headers; requestID is
// generated when absent so every debug event and audit record can be
// correlated.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest, requestID, idemKey string) (ExecuteResponse, error) {
	start := time.Now()

	if resp, ok := e.idem.get(idemKey); ok {
		metrics.ExecuteTotal.WithLabelValues("idempotent_replay").Inc()
		return resp, nil
	}

	if requestID == "" {
		requestID = req.Context.RequestID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Context.RequestID = requestID

	resp, err := e.run(ctx, req)
	elapsed := time.Since(start)
	metrics.ExecuteDuration.Observe(elapsed.Seconds())

	result := "ok"
	errCode := ""
	status := resp.Status
	if err != nil {
		result = "error"
		errCode = string(apierr.CodeOf(err))
		status = apierr.Status(err)
	}
	metrics.ExecuteTotal.WithLabelValues(result).Inc()

	if e.opts.Audit != nil {
		e.opts.Audit.Write(ctx, auditlog.Record{
			RequestID:   requestID,
			TenantID:    req.Context.TenantID,
			ExtensionID: req.Context.ExtensionID,
			InstallID:   req.Context.InstallID,
			ContentHash: req.Context.ContentHash,
			Status:      status,
			DurationMs:  elapsed.Milliseconds(),
			ErrorCode:   errCode,
		})
	}

	if err != nil {
		return ExecuteResponse{}, err
	}
	e.idem.put(idemKey, resp)
	return resp, nil
}

func (e *Executor) run(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	if req.Context.TenantID == "" || req.Context.ExtensionID == "" {
		return ExecuteResponse{}, apierr.New(apierr.CodeInvalidRequest, "tenant_id and extension_id are required")
	}

	hashHex, err := pathutil.ParseContentHash(req.Context.ContentHash)
	if err != nil {
		return ExecuteResponse{}, err
	}

	grants, unknown := hostabi.NormalizeGrants(req.Providers)
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return ExecuteResponse{}, apierr.New(apierr.CodeInvalidRequest,
			"unknown capabilities: "+strings.Join(unknown, ", "))
	}

	if e.opts.Registry != nil {
		valid, err := e.opts.Registry.ValidateInstall(ctx, req.Context.TenantID, req.Context.ExtensionID, hashHex)
		if err != nil || !valid {
			return ExecuteResponse{}, apierr.New(apierr.CodeRegistryDenied, "install validation failed")
		}
	}

	var material secretresolve.Material
	if req.SecretEnvelope != nil {
		env, err := req.SecretEnvelope.toEnvelope()
		if err != nil {
			return ExecuteResponse{}, apierr.Wrap(apierr.CodeInvalidRequest, "malformed secret_envelope", err)
		}
		material, err = e.opts.Secrets.Resolve(ctx, req.Context.TenantID, req.Context.ExtensionID, req.Context.InstallID, env)
		if err != nil {
			if apierr.CodeOf(err) == apierr.CodeInternal {
				err = apierr.Wrap(apierr.CodeSecretResolveFailed, "resolve secret envelope", err)
			}
			return ExecuteResponse{}, err
		}
	}

	input, err := buildGuestInput(req)
	if err != nil {
		return ExecuteResponse{}, err
	}

	timeout := time.Duration(e.opts.DefaultTimeoutMs) * time.Millisecond
	if req.Limits.TimeoutMs != nil && *req.Limits.TimeoutMs > 0 {
		timeout = time.Duration(*req.Limits.TimeoutMs) * time.Millisecond
	}
	memoryMB := defaultMemoryMB
	if req.Limits.MemoryMB != nil && *req.Limits.MemoryMB > 0 {
		memoryMB = *req.Limits.MemoryMB
	}

	surface := hostabi.NewSurface(&hostabi.InvocationContext{
		Context: ctx,
		Grants:  grants,
		Data: hostabi.ContextData{
			RequestID:   req.Context.RequestID,
			TenantID:    req.Context.TenantID,
			ExtensionID: req.Context.ExtensionID,
			InstallID:   req.Context.InstallID,
			VersionID:   req.Context.VersionID,
		},
		Secrets:    material,
		Hub:        e.opts.Hub,
		EgressOK:   egressChecker(e.opts.EgressAllowlist),
		StorageCfg: e.opts.StorageCfg,
		ProxyCfg:   e.opts.ProxyCfg,
		Logger:     e.opts.Logger,
	})

	out, err := e.invoke(ctx, hashHex, surface, input, memoryMB, timeout)
	if err != nil {
		return ExecuteResponse{}, err
	}

	var guestResp guestResponse
	if err := json.Unmarshal(out, &guestResp); err != nil {
		return ExecuteResponse{}, apierr.Wrap(apierr.CodeExecuteFailed, "guest returned malformed response", err)
	}

	resp := ExecuteResponse{
		Status:  guestResp.Status,
		Headers: make(map[string]string, len(guestResp.Headers)),
		Error:   guestResp.Error,
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	for _, h := range guestResp.Headers {
		resp.Headers[strings.ToLower(h.Name)] = h.Value
	}
	if len(guestResp.Body) > 0 {
		resp.BodyB64 = base64.StdEncoding.EncodeToString(guestResp.Body)
	}
	return resp, nil
}

// invokeGuest hands the call to the engine; module bytes are fetched only
// when the compiled cache misses for this hash.
func (e *Executor) invokeGuest(ctx context.Context, hashHex string, surface *hostabi.Surface, input []byte, memoryMB int, timeout time.Duration) ([]byte, error) {
	return e.opts.Engine.Invoke(ctx, wasmengine.InvokeRequest{
		ContentHash: hashHex,
		LoadModule: func(ctx context.Context) ([]byte, error) {
			return e.fetchWasm(ctx, hashHex)
		},
		Surface:  surface,
		Input:    input,
		MemoryMB: memoryMB,
		Timeout:  timeout,
		Logger:   e.opts.Logger,
	})
}

// fetchWasm resolves the guest module bytes: the dedicated
// sha256/<hex>/dist/main.wasm object first, then the wasm member of the
// (hash-verified) bundle archive as the fallback.
func (e *Executor) fetchWasm(ctx context.Context, hashHex string) ([]byte, error) {
	wasmURL := e.opts.Fetcher.WasmKeyURL(hashHex)
	bytes, err := e.fetchObject(ctx, wasmURL)
	if err == nil {
		return bytes, nil
	}
	var nf *notFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	tmpPath, err := e.opts.Fetcher.FetchVerified(ctx, e.opts.Cache, e.opts.Fetcher.BundleURL(hashHex), hashHex)
	if err != nil {
		var mismatch *bundlefetch.HashMismatchError
		if errors.As(err, &mismatch) {
			return nil, apierr.Wrap(apierr.CodeArchiveHashMismatch, "bundle integrity check failed", err)
		}
		return nil, err
	}
	defer os.Remove(tmpPath)

	wasmBytes, err := archive.ExtractFile(tmpPath, bundleWasmMember)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBundleFetchFailed, "bundle carries no wasm component", err)
	}
	return wasmBytes, nil
}

type notFoundError struct{ url string }

func (e *notFoundError) Error() string { return "object not found: " + e.url }

func (e *Executor) fetchObject(ctx context.Context, objURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, objURL, nil)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBundleFetchFailed, "build request", err)
	}
	client := e.opts.Fetcher.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBundleFetchFailed, "transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &notFoundError{url: objURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.New(apierr.CodeBundleFetchFailed, fmt.Sprintf("object store returned %d", resp.StatusCode))
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBundleFetchFailed, "read object body", err)
	}
	return out, nil
}

// buildGuestInput flattens the normalized HTTP payload into the guest ABI
// shape: query URL-encoded, headers as name/value pairs, body as raw bytes.
func buildGuestInput(req ExecuteRequest) ([]byte, error) {
	body, err := decodeBodyB64(req.HTTP.BodyB64)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidRequest, "body_b64 is not valid base64", err)
	}

	values := url.Values{}
	for k, v := range req.HTTP.Query {
		values.Set(k, v)
	}

	headers := make([]hostabi.HTTPHeader, 0, len(req.HTTP.Headers))
	for name, value := range req.HTTP.Headers {
		headers = append(headers, hostabi.HTTPHeader{Name: strings.ToLower(name), Value: value})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	return json.Marshal(guestRequest{
		Method:  strings.ToUpper(req.HTTP.Method),
		Path:    req.HTTP.Path,
		Query:   values.Encode(),
		Headers: headers,
		Body:    body,
	})
}

// egressChecker returns the host allowlist predicate for guest http.fetch:
// exact match or subdomain of an allowed host; an empty allowlist permits
// everything.
func egressChecker(allowlist []string) func(host string) bool {
	if len(allowlist) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(allowlist))
	for _, h := range allowlist {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	return func(host string) bool {
		host = strings.ToLower(host)
		for _, allowed := range normalized {
			if host == allowed || strings.HasSuffix(host, "."+allowed) {
				return true
			}
		}
		return false
	}
}
