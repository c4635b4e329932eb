// Package wasmengine wraps tetratelabs/wazero to compile, cache, and
// invoke guest WASM modules under per-call memory and wall-clock limits.
//
// wazero pins the guest memory ceiling at runtime construction, so the
// engine keeps one runtime per distinct memory limit (a small set in
// practice: requests mostly use the default) and each runtime carries its
// own bounded LRU of compiled modules. Compilation is the expensive step
// and instantiation against a compiled module is cheap, so the cache is
// what amortizes per-request instantiation; every invocation still gets
// a fresh instance. Wall-clock enforcement relies on
// RuntimeConfig.WithCloseOnContextDone: a running guest aborts promptly
// once its call context's deadline passes, with no cooperation required
// from guest code.
package wasmengine

import (
	"container/list"
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/ocx/extrun/internal/apierr"
)

const (
	wasmPageSize        = 65536
	defaultMaxMemoryMB  = 256
	defaultCompileCache = 64
)

// Engine owns one wazero runtime per memory limit, each with a bounded
// cache of compiled modules.
type Engine struct {
	maxCompiled int
	maxMemoryMB int
	logger      *slog.Logger

	mu    sync.Mutex
	pools map[uint32]*pool // keyed by memory limit in pages
}

// pool is the runtime and compiled-module cache for one memory limit.
type pool struct {
	runtime wazero.Runtime

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
	max   int
}

type cacheEntry struct {
	hash     string
	digest   [sha256.Size]byte // of the wasm bytes
	compiled wazero.CompiledModule
}

// NewEngine constructs an engine whose guests are capped at maxMemoryMB
// linear memory (requests asking for more are clamped to it) and whose
// per-limit compiled-module caches hold maxCompiled entries each (0 uses
// the default for either).
func NewEngine(maxCompiled, maxMemoryMB int, logger *slog.Logger) *Engine {
	if maxCompiled <= 0 {
		maxCompiled = defaultCompileCache
	}
	if maxMemoryMB <= 0 {
		maxMemoryMB = defaultMaxMemoryMB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		maxCompiled: maxCompiled,
		maxMemoryMB: maxMemoryMB,
		logger:      logger,
		pools:       make(map[uint32]*pool),
	}
}

// Close tears down every runtime and the compiled modules they hold.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for pages, p := range e.pools {
		if err := p.runtime.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.pools, pages)
	}
	return firstErr
}

// poolFor returns the runtime pool for memoryMB, creating it (and
// installing the host module on its runtime) on first use.
func (e *Engine) poolFor(ctx context.Context, memoryMB int) (*pool, error) {
	if memoryMB <= 0 || memoryMB > e.maxMemoryMB {
		memoryMB = e.maxMemoryMB
	}
	pages := MemoryLimitPages(memoryMB)

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pools[pages]; ok {
		return p, nil
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if err := instantiateHostModule(ctx, rt, e.logger); err != nil {
		_ = rt.Close(ctx)
		return nil, apierr.Wrap(apierr.CodeEngineInitFailed, "install host module", err)
	}

	p := &pool{
		runtime: rt,
		cache:   make(map[string]*list.Element),
		order:   list.New(),
		max:     e.maxCompiled,
	}
	e.pools[pages] = p
	return p, nil
}

// compile returns the cached compiled module for contentHash, compiling
// wasmBytes (fetched via load on a miss) and inserting it, evicting the
// least-recently-used entry when the cache is full.
func (p *pool) compile(ctx context.Context, contentHash string, load func(context.Context) ([]byte, error)) (wazero.CompiledModule, error) {
	p.mu.Lock()
	if el, ok := p.cache[contentHash]; ok {
		p.order.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		p.mu.Unlock()
		return entry.compiled, nil
	}
	p.mu.Unlock()

	wasmBytes, err := load(ctx)
	if err != nil {
		return nil, err
	}
	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEngineInitFailed, "compile wasm module", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.cache[contentHash]; ok {
		p.order.MoveToFront(el)
		return el.Value.(*cacheEntry).compiled, nil
	}
	el := p.order.PushFront(&cacheEntry{hash: contentHash, digest: sha256.Sum256(wasmBytes), compiled: compiled})
	p.cache[contentHash] = el
	for p.order.Len() > p.max {
		oldest := p.order.Back()
		if oldest == nil {
			break
		}
		p.order.Remove(oldest)
		entry := oldest.Value.(*cacheEntry)
		delete(p.cache, entry.hash)
		// wazero shares compiled code between modules with identical bytes,
		// so it is released only when no cached entry still uses it.
		shared := false
		for _, other := range p.cache {
			if other.Value.(*cacheEntry).digest == entry.digest {
				shared = true
				break
			}
		}
		if !shared {
			_ = entry.compiled.Close(ctx)
		}
	}
	return compiled, nil
}

// MemoryLimitPages converts a megabyte cap into a wazero page count
// (64KiB/page), defaulting to defaultMaxMemoryMB when memoryMB <= 0.
func MemoryLimitPages(memoryMB int) uint32 {
	if memoryMB <= 0 {
		memoryMB = defaultMaxMemoryMB
	}
	return uint32((memoryMB * 1024 * 1024) / wasmPageSize)
}
