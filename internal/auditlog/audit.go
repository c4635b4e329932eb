// Package auditlog mirrors execute-pipeline outcomes to a Supabase-backed
// table, best-effort: persistence failures are logged and never delay or
// fail the client-visible response. Records carry identifiers and outcome
// codes only, never header values, bodies, or secret material.
package auditlog

import (
	"context"
	"log/slog"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

const auditTable = "extension_executions"

// Record is one execute-pipeline outcome.
type Record struct {
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	ExtensionID string `json:"extension_id"`
	InstallID   string `json:"install_id,omitempty"`
	ContentHash string `json:"content_hash"`
	Status      int    `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	ErrorCode   string `json:"error_code,omitempty"`
	RecordedAt  string `json:"recorded_at"`
}

// Sink persists Records. The nil *SupabaseSink is a valid no-op sink, so
// callers never branch on whether auditing is configured.
type Sink interface {
	Write(ctx context.Context, rec Record)
}

// SupabaseSink writes records through the Supabase REST API.
type SupabaseSink struct {
	client *supabase.Client
	logger *slog.Logger
}

// NewSupabaseSink returns nil (a valid no-op Sink) when url or key is
// empty, so callers wire it unconditionally.
func NewSupabaseSink(url, serviceKey string, logger *slog.Logger) (*SupabaseSink, error) {
	if url == "" || serviceKey == "" {
		return nil, nil
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SupabaseSink{client: client, logger: logger}, nil
}

// Write persists rec in the background, swallowing (but logging) every
// failure; it returns without waiting for the insert.
func (s *SupabaseSink) Write(_ context.Context, rec Record) {
	if s == nil {
		return
	}
	if rec.RecordedAt == "" {
		rec.RecordedAt = time.Now().UTC().Format(time.RFC3339)
	}
	go func() {
		_, _, err := s.client.From(auditTable).Insert(rec, false, "", "", "").Execute()
		if err != nil {
			s.logger.Warn("audit record persist failed", "request_id", rec.RequestID, "error", err)
		}
	}()
}
