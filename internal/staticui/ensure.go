package staticui

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/ocx/extrun/internal/archive"
	"github.com/ocx/extrun/internal/bundlecache"
	"github.com/ocx/extrun/internal/bundlefetch"
	"github.com/ocx/extrun/internal/cacheledger"
	"github.com/ocx/extrun/internal/metrics"
)

// Ensurer fills the on-disk UI cache for a content hash on demand:
// fetch the verified bundle, extract the ui/ subtree, delete the staging
// archive, and record the touch in the recency ledger. A failure after
// the entry directory exists removes the whole ROOT/<hex>/ subtree so
// partial extraction is never observable.
type Ensurer struct {
	Cache   *bundlecache.Cache
	Fetcher *bundlefetch.Fetcher
	Ledger  cacheledger.Ledger
	Evictor *bundlecache.Evictor
	Logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup
}

func NewEnsurer(cache *bundlecache.Cache, fetcher *bundlefetch.Fetcher, ledger cacheledger.Ledger, evictor *bundlecache.Evictor, logger *slog.Logger) *Ensurer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ensurer{
		Cache:    cache,
		Fetcher:  fetcher,
		Ledger:   ledger,
		Evictor:  evictor,
		Logger:   logger,
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// EnsureCached makes ROOT/<hex>/ui/index.html exist, filling the cache if
// needed. Concurrent callers for the same hash wait on the first filler
// instead of downloading the same bytes twice; content addressing makes
// the race harmless either way, this just saves the bandwidth.
func (e *Ensurer) EnsureCached(ctx context.Context, hashHex string) error {
	if e.Cache.ExistsUIIndex(hashHex) {
		metrics.CacheHitTotal.Inc()
		e.touch(ctx, hashHex)
		return nil
	}

	e.mu.Lock()
	if wg, ok := e.inflight[hashHex]; ok {
		e.mu.Unlock()
		wg.Wait()
		if e.Cache.ExistsUIIndex(hashHex) {
			return nil
		}
		// first filler failed; fall through and try ourselves
	} else {
		wg := &sync.WaitGroup{}
		wg.Add(1)
		e.inflight[hashHex] = wg
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.inflight, hashHex)
			e.mu.Unlock()
			wg.Done()
		}()
	}

	metrics.CacheMissTotal.Inc()
	return e.fill(ctx, hashHex)
}

func (e *Ensurer) fill(ctx context.Context, hashHex string) error {
	tmpPath, err := e.Fetcher.FetchVerified(ctx, e.Cache, e.Fetcher.BundleURL(hashHex), hashHex)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if _, err := archive.ExtractUISubtree(tmpPath, e.Cache.UIDir(hashHex)); err != nil {
		if rmErr := e.Cache.RemoveEntry(hashHex); rmErr != nil {
			e.Logger.Error("cleanup after failed extraction", "hash", hashHex, "error", rmErr)
		}
		return err
	}

	e.touch(ctx, hashHex)

	if e.Evictor != nil {
		if err := e.Evictor.Sweep(ctx); err != nil {
			e.Logger.Warn("cache eviction sweep failed", "error", err)
		}
	}
	return nil
}

func (e *Ensurer) touch(ctx context.Context, hashHex string) {
	if e.Ledger == nil {
		return
	}
	size, err := e.Cache.Size(hashHex)
	if err != nil {
		e.Logger.Warn("cache size walk failed", "hash", hashHex, "error", err)
		return
	}
	if err := e.Ledger.Touch(ctx, hashHex, size); err != nil {
		e.Logger.Warn("cache ledger touch failed", "hash", hashHex, "error", err)
	}
}
