// Package identity provides an optional SPIFFE workload identity
// attached to outbound calls the runner makes to Vault transit, Storage
// KV, and the UI proxy. Disabled (no workload API socket configured)
// means those calls carry only their bearer-token auth; SPIFFE is
// additive, never a replacement.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// IdentityHeader is the outbound header carrying this runner's SPIFFE ID,
// attached alongside (not instead of) the bearer-token auth each backend
// already expects.
const IdentityHeader = "x-runner-identity"

// Workload is the runner's own SPIFFE-derived outbound identity.
type Workload struct {
	source *workloadapi.X509Source
	id     string
}

// Connect fetches an X.509-SVID from the Workload API socket at
// socketPath, re-fetchable via the source's background rotation. A
// bounded timeout keeps a missing SPIRE agent from blocking startup.
func Connect(socketPath string) (*Workload, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("connect to spiffe workload api at %s: %w", socketPath, err)
	}

	svid, err := source.GetX509SVID()
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("fetch initial x509-svid: %w", err)
	}

	slog.Info("workload identity established", "spiffe_id", svid.ID.String(), "socket", socketPath)
	return &Workload{source: source, id: svid.ID.String()}, nil
}

// ID returns the runner's current SPIFFE ID (e.g. spiffe://example.org/ns/extrun).
func (w *Workload) ID() string { return w.id }

// AssertionHeader returns the (name, value) pair to attach to an outbound
// request.
func (w *Workload) AssertionHeader() (string, string) {
	return IdentityHeader, w.id
}

// TLSConfig returns an mTLS client config presenting this workload's SVID,
// for backends (Vault, Storage KV) that are SPIFFE-aware.
func (w *Workload) TLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(w.source, w.source, tlsconfig.AuthorizeAny())
}

// Close releases the underlying Workload API connection.
func (w *Workload) Close() error {
	return w.source.Close()
}

// identityTransport stamps the assertion header on every outbound request.
type identityTransport struct {
	base http.RoundTripper
	w    *Workload
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	name, value := t.w.AssertionHeader()
	clone := req.Clone(req.Context())
	clone.Header.Set(name, value)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// WrapTransport returns a RoundTripper that attaches this workload's
// assertion header to every request. A nil Workload returns base
// unchanged, so callers wire it unconditionally.
func (w *Workload) WrapTransport(base http.RoundTripper) http.RoundTripper {
	if w == nil {
		return base
	}
	return &identityTransport{base: base, w: w}
}
