// Package httpapi assembles the runner's HTTP surface: the execute
// endpoint, static UI assets, warmup, health, the debug-event websocket
// stream, and Prometheus metrics, behind a shared middleware chain of
// panic recovery, request-id assignment, and structured request logging.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/bundlefetch"
	"github.com/ocx/extrun/internal/debughub"
	"github.com/ocx/extrun/internal/execute"
	"github.com/ocx/extrun/internal/pathutil"
	"github.com/ocx/extrun/internal/staticui"
)

// Server owns the router and the long-lived components handlers delegate to.
type Server struct {
	Executor *execute.Executor
	Static   *staticui.Server
	Ensurer  *staticui.Ensurer
	Hub      *debughub.Hub
	AuthKey  string
	Logger   *slog.Logger
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(s.Logger))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.Logger))

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	// GET and POST /warmup share a URL; routing by method separates the
	// parameterless liveness probe from the cache pre-extraction call.
	r.HandleFunc("/warmup", s.handleWarmupLiveness).Methods(http.MethodGet)
	r.HandleFunc("/warmup", s.handleWarmupCache).Methods(http.MethodPost)

	r.HandleFunc("/v1/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/v1/debug/stream", s.handleDebugStream).Methods(http.MethodGet)

	ui := r.PathPrefix("/ext-ui").Subrouter()
	ui.Use(corsMiddleware)
	ui.HandleFunc("/{extension_id}/{content_hash}/{path:.*}", s.Static.ServeAsset).Methods(http.MethodGet, http.MethodOptions)
	ui.HandleFunc("/{extension_id}/{content_hash}", s.Static.ServeAsset).Methods(http.MethodGet, http.MethodOptions)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

func (s *Server) handleWarmupLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "warmed")
}

// handleWarmupCache pre-extracts the UI cache for a content hash.
func (s *Server) handleWarmupCache(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var body struct {
		ContentHash string `json:"content_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInvalidRequest, "malformed JSON body", err))
		return
	}
	hashHex, err := pathutil.ParseContentHash(body.ContentHash)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Ensurer.EnsureCached(r.Context(), hashHex); err != nil {
		var mismatch *bundlefetch.HashMismatchError
		if errors.As(err, &mismatch) {
			err = apierr.Wrap(apierr.CodeArchiveHashMismatch, "bundle integrity check failed", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "hash": hashHex})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var req execute.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInvalidRequest, "malformed JSON body", err))
		return
	}

	// Tenant and extension headers override absent body fields so edge
	// proxies can inject them without rewriting the payload.
	if req.Context.TenantID == "" {
		req.Context.TenantID = r.Header.Get("x-alga-tenant")
	}
	if req.Context.ExtensionID == "" {
		req.Context.ExtensionID = r.Header.Get("x-alga-extension")
	}

	resp, err := s.Executor.Execute(
		r.Context(),
		req,
		r.Header.Get("x-request-id"),
		r.Header.Get("x-idempotency-key"),
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDebugStream upgrades to a websocket subscribed to the debug hub,
// with filter sets taken from comma-separated query parameters.
func (s *Server) handleDebugStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	filter := debughub.Filter{
		ExtensionIDs: filterSet(r.URL.Query().Get("extension_ids")),
		TenantIDs:    filterSet(r.URL.Query().Get("tenant_ids")),
		InstallIDs:   filterSet(r.URL.Query().Get("install_ids")),
		RequestIDs:   filterSet(r.URL.Query().Get("request_ids")),
	}
	debughub.ServeWS(s.Hub, filter, s.Logger, w, r)
}

func filterSet(csv string) map[string]bool {
	if csv == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, v := range strings.Split(csv, ",") {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = true
		}
	}
	return set
}

// authorized enforces the runner-wide API key when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.AuthKey == "" {
		return true
	}
	return r.Header.Get("x-api-key") == s.AuthKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any pipeline error onto the (status, JSON {code, error})
// wire contract. Causes never reach the client.
func writeError(w http.ResponseWriter, err error) {
	var e *apierr.Error
	message := "internal error"
	if errors.As(err, &e) {
		message = e.Message
	}
	writeJSON(w, apierr.Status(err), map[string]string{
		"code":  string(apierr.CodeOf(err)),
		"error": message,
	})
}

// ListenAndServe runs the server until ctx is cancelled, then drains with
// the given timeout.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "drain_timeout", shutdownTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(drainCtx)
}
