// Package staticui serves the immutable extension UI assets extracted
// from content-addressed bundles: hash-form validation, registry gating
// in strict mode, on-demand cache fill, path sanitization, byte caps,
// strong ETags with 304 revalidation, and SPA fallback to index.html.
package staticui

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocx/extrun/internal/apierr"
	"github.com/ocx/extrun/internal/bundlecache"
	"github.com/ocx/extrun/internal/bundlefetch"
	"github.com/ocx/extrun/internal/pathutil"
	"github.com/ocx/extrun/internal/registry"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// Server serves GET /ext-ui/:extension_id/:content_hash/*path.
type Server struct {
	Cache        *bundlecache.Cache
	Ensurer      *Ensurer
	Registry     registry.Client
	Strict       bool
	MaxFileBytes int64
	Logger       *slog.Logger
}

// ServeAsset is the mux handler for the ext-ui route.
func (s *Server) ServeAsset(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	extensionID := vars["extension_id"]
	rawHash := vars["content_hash"]
	rest := vars["path"]

	if !strings.HasPrefix(rawHash, "sha256:") {
		http.Error(w, "invalid content hash", http.StatusBadRequest)
		return
	}
	hashHex, err := pathutil.ParseContentHash(rawHash)
	if err != nil {
		http.Error(w, "invalid content hash", http.StatusBadRequest)
		return
	}

	if s.Strict {
		tenantID := r.Header.Get("x-tenant-id")
		if tenantID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		valid, err := s.Registry.ValidateInstall(r.Context(), tenantID, extensionID, hashHex)
		if err != nil || !valid {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}

	if err := s.Ensurer.EnsureCached(r.Context(), hashHex); err != nil {
		s.writeEnsureError(w, hashHex, err)
		return
	}

	rel, err := pathutil.Sanitize(rest)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	uiRoot := s.Cache.UIDir(hashHex)
	target := filepath.Join(uiRoot, filepath.FromSlash(rel))
	contentPath := rel

	info, statErr := os.Stat(target)
	if rel == "" || statErr != nil || info.IsDir() {
		// SPA fallback: unknown routes and directories resolve to the
		// bundle's index so a client-side router can take over.
		target = filepath.Join(uiRoot, "index.html")
		contentPath = "index.html"
		if _, err := os.Stat(target); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	}

	if s.MaxFileBytes > 0 {
		if err := pathutil.EnforceMaxFileSize(target, s.MaxFileBytes); err != nil {
			if apierr.CodeOf(err) == apierr.CodePayloadTooLarge {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	etag, err := pathutil.ETagForFile(target)
	if err != nil {
		s.logger().Error("etag computation failed", "path", target, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", immutableCacheControl)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	// http.ServeContent rather than ServeFile: ServeFile redirects any
	// request path ending in /index.html, which the SPA fallback hits
	// constantly.
	f, err := os.Open(target)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err = f.Stat()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", pathutil.ContentTypeFor(contentPath))
	http.ServeContent(w, r, filepath.Base(target), info.ModTime(), f)
}

// writeEnsureError maps cache-fill failures to the wire contract: hash
// mismatch is always 502 JSON, extraction failure always 500 JSON, and
// everything else a bare 502.
func (s *Server) writeEnsureError(w http.ResponseWriter, hashHex string, err error) {
	var mismatch *bundlefetch.HashMismatchError
	if errors.As(err, &mismatch) || apierr.CodeOf(err) == apierr.CodeArchiveHashMismatch {
		writeJSONCode(w, http.StatusBadGateway, "archive_hash_mismatch")
		return
	}
	if apierr.CodeOf(err) == apierr.CodeExtractFailed {
		writeJSONCode(w, http.StatusInternalServerError, "extract_failed")
		return
	}
	s.logger().Warn("bundle cache fill failed", "hash", hashHex, "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

func writeJSONCode(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
