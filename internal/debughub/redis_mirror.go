package debughub

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisMirror writes every published event to a per-tenant:extension
// Redis Stream, capped with an approximate MAXLEN so the stream never
// grows unbounded.
type RedisMirror struct {
	Client       *redis.Client
	StreamPrefix string
	MaxLen       int64
}

func NewRedisMirror(client *redis.Client, streamPrefix string, maxLen int64) *RedisMirror {
	if streamPrefix == "" {
		streamPrefix = "extrun:debug:"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisMirror{Client: client, StreamPrefix: streamPrefix, MaxLen: maxLen}
}

func (m *RedisMirror) streamName(e Event) string {
	var parts []string
	if e.TenantID != "" {
		parts = append(parts, strings.ToLower(e.TenantID))
	}
	if e.ExtensionID != "" {
		parts = append(parts, strings.ToLower(e.ExtensionID))
	}
	if len(parts) == 0 {
		parts = append(parts, "unknown")
	}
	return m.StreamPrefix + strings.Join(parts, ":")
}

func (m *RedisMirror) Publish(ctx context.Context, e Event) error {
	values := map[string]interface{}{
		"ts":        e.Timestamp.UnixMilli(),
		"level":     e.Level,
		"stream":    e.Stream,
		"message":   e.Message,
		"truncated": strconv.FormatBool(e.Truncated),
	}
	if e.TenantID != "" {
		values["tenant"] = e.TenantID
	}
	if e.ExtensionID != "" {
		values["extension"] = e.ExtensionID
	}
	if e.InstallID != "" {
		values["install"] = e.InstallID
	}
	if e.RequestID != "" {
		values["request"] = e.RequestID
	}
	if e.VersionID != "" {
		values["version"] = e.VersionID
	}
	if e.ContentHash != "" {
		values["content_hash"] = e.ContentHash
	}

	return m.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.streamName(e),
		MaxLen: m.MaxLen,
		Approx: true,
		Values: values,
	}).Err()
}
