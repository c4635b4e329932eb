// Package cacheledger tracks "last touched" recency for bundle cache
// entries so eviction has an explicit, testable ordering instead of
// relying on filesystem mtimes, which some platforms don't update on
// read. Backed by Postgres when a DSN is configured, an in-memory map
// otherwise; each runner node keeps its own ledger.
package cacheledger

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Ledger records cache touches and reports the oldest-touched hashes.
type Ledger interface {
	Touch(ctx context.Context, hashHex string, byteSize int64) error
	Forget(ctx context.Context, hashHex string) error
	OldestFirst(ctx context.Context) ([]Entry, error)
}

// Entry is one recorded cache touch.
type Entry struct {
	HashHex   string
	ByteSize  int64
	TouchedAt time.Time
}

// Open returns a Postgres-backed Ledger when dsn is non-empty, otherwise an
// in-memory Ledger. The *sql.DB that Open creates for a Postgres ledger is
// reachable as PostgresLedger.DB for callers that want to close it.
func Open(dsn string) (Ledger, error) {
	if dsn == "" {
		return NewMemoryLedger(), nil
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bundle_cache_touches (
		hash_hex TEXT PRIMARY KEY,
		byte_size BIGINT NOT NULL,
		touched_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresLedger{DB: db}, nil
}

// PostgresLedger persists touches to a local Postgres database.
type PostgresLedger struct {
	DB *sql.DB
}

func (l *PostgresLedger) Touch(ctx context.Context, hashHex string, byteSize int64) error {
	_, err := l.DB.ExecContext(ctx, `
		INSERT INTO bundle_cache_touches (hash_hex, byte_size, touched_at)
		VALUES ($1, $2, now())
		ON CONFLICT (hash_hex) DO UPDATE SET byte_size = $2, touched_at = now()
	`, hashHex, byteSize)
	return err
}

func (l *PostgresLedger) Forget(ctx context.Context, hashHex string) error {
	_, err := l.DB.ExecContext(ctx, `DELETE FROM bundle_cache_touches WHERE hash_hex = $1`, hashHex)
	return err
}

func (l *PostgresLedger) OldestFirst(ctx context.Context) ([]Entry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT hash_hex, byte_size, touched_at FROM bundle_cache_touches ORDER BY touched_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.HashHex, &e.ByteSize, &e.TouchedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryLedger is the in-memory fallback used when CACHE_LEDGER_DSN is unset.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Touch(_ context.Context, hashHex string, byteSize int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[hashHex] = Entry{HashHex: hashHex, ByteSize: byteSize, TouchedAt: time.Now()}
	return nil
}

func (l *MemoryLedger) Forget(_ context.Context, hashHex string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, hashHex)
	return nil
}

func (l *MemoryLedger) OldestFirst(_ context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TouchedAt.Before(out[j].TouchedAt) })
	return out, nil
}
