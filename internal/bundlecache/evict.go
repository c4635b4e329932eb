package bundlecache

import (
	"context"
	"log/slog"

	"github.com/ocx/extrun/internal/cacheledger"
	"github.com/ocx/extrun/internal/metrics"
)

// Evictor removes the oldest-touched cache entries once the on-disk budget
// (maxBytes) is exceeded. Removal of the directory and its ledger row is
// treated as one unit of work: a failure to remove the directory leaves the
// ledger row in place so the entry is retried on the next sweep rather than
// silently forgotten.
type Evictor struct {
	Cache    *Cache
	Ledger   cacheledger.Ledger
	MaxBytes int64
	Logger   *slog.Logger
}

// Sweep evicts oldest-touched entries until total size is within MaxBytes.
// MaxBytes <= 0 disables eviction.
func (e *Evictor) Sweep(ctx context.Context) error {
	if e.MaxBytes <= 0 {
		return nil
	}
	entries, err := e.Ledger.OldestFirst(ctx)
	if err != nil {
		return err
	}

	var total int64
	for _, ent := range entries {
		total += ent.ByteSize
	}

	for _, ent := range entries {
		if total <= e.MaxBytes {
			break
		}
		if err := e.Cache.RemoveEntry(ent.HashHex); err != nil {
			e.logger().Warn("cache eviction: remove entry failed", "hash", ent.HashHex, "error", err)
			continue
		}
		if err := e.Ledger.Forget(ctx, ent.HashHex); err != nil {
			e.logger().Warn("cache eviction: forget ledger row failed", "hash", ent.HashHex, "error", err)
		}
		total -= ent.ByteSize
		metrics.CacheEvictedTotal.Inc()
	}
	return nil
}

func (e *Evictor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
