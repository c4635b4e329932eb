package main

import (
	"context"
	"encoding/base64"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/extrun/internal/auditlog"
	"github.com/ocx/extrun/internal/bundlecache"
	"github.com/ocx/extrun/internal/bundlefetch"
	"github.com/ocx/extrun/internal/cacheledger"
	"github.com/ocx/extrun/internal/config"
	"github.com/ocx/extrun/internal/debughub"
	"github.com/ocx/extrun/internal/execute"
	"github.com/ocx/extrun/internal/hostabi"
	"github.com/ocx/extrun/internal/httpapi"
	"github.com/ocx/extrun/internal/identity"
	"github.com/ocx/extrun/internal/registry"
	"github.com/ocx/extrun/internal/secretresolve"
	"github.com/ocx/extrun/internal/staticui"
	"github.com/ocx/extrun/internal/ttlcache"
	"github.com/ocx/extrun/internal/wasmengine"
)

func main() {
	cfg := config.Get()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional SPIFFE workload identity; every outbound client below is
	// wired through it unconditionally (nil means pass-through).
	var workload *identity.Workload
	if cfg.Identity.SocketPath != "" {
		w, err := identity.Connect(cfg.Identity.SocketPath)
		if err != nil {
			logger.Warn("workload identity unavailable, using bearer-token auth only", "error", err)
		} else {
			workload = w
			defer workload.Close()
		}
	}
	outboundClient := &http.Client{Transport: workload.WrapTransport(nil)}

	// Optional Redis — shared by the debug mirror and the TTL caches,
	// falling back to in-memory stores when unconfigured or unreachable.
	var redisClient *redis.Client
	if cfg.Debug.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Debug.RedisURL)
		if err != nil {
			logger.Warn("invalid redis url, using in-memory stores", "error", err)
		} else {
			if cfg.Debug.RedisPassword != "" {
				opts.Password = cfg.Debug.RedisPassword
			}
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warn("redis unreachable, using in-memory stores", "error", err)
				client.Close()
			} else {
				redisClient = client
				defer redisClient.Close()
				logger.Info("redis connected", "addr", opts.Addr)
			}
		}
	}
	newCache := func(prefix string) ttlcache.Cache {
		if redisClient != nil {
			return ttlcache.NewRedisCache(redisClient, prefix)
		}
		return ttlcache.NewMemoryCache()
	}

	// Debug hub + optional Redis Streams mirror.
	hub := debughub.New(cfg.Debug.StreamEnabled)
	hub.MaxSubscribers = cfg.Debug.MaxSubscribers
	hub.BufferSize = cfg.Debug.MaxBufferedEvents
	hub.MaxEventBytes = cfg.Debug.MaxEventBytes
	hub.Logger = logger
	if redisClient != nil && cfg.Debug.StreamEnabled {
		hub.Mirror = debughub.NewRedisMirror(redisClient, cfg.Debug.RedisStreamPrefix, cfg.Debug.RedisMaxLen)
		logger.Info("debug hub mirroring to redis streams", "prefix", cfg.Debug.RedisStreamPrefix)
	}

	// Cache recency ledger: Postgres when configured, in-memory otherwise.
	ledger, err := cacheledger.Open(cfg.CacheLedger.DSN)
	if err != nil {
		logger.Warn("cache ledger unavailable, using in-memory recency", "error", err)
		ledger = cacheledger.NewMemoryLedger()
	}

	cache := bundlecache.New(cfg.Cache.Root)
	evictor := &bundlecache.Evictor{
		Cache:    cache,
		Ledger:   ledger,
		MaxBytes: cfg.Cache.MaxBytes,
		Logger:   logger,
	}

	fetcher := bundlefetch.New(cfg.BundleStore.BaseURL, outboundClient)
	if cfg.BundleStore.S3AccessKey != "" && cfg.BundleStore.S3SecretKey != "" && cfg.BundleStore.S3Bucket != "" {
		fetcher.Signer = &bundlefetch.S3Signer{
			AccessKey: cfg.BundleStore.S3AccessKey,
			SecretKey: cfg.BundleStore.S3SecretKey,
			Region:    cfg.BundleStore.S3Region,
		}
		fetcher.Bucket = cfg.BundleStore.S3Bucket
		logger.Info("bundle store using presigned s3 GETs", "bucket", cfg.BundleStore.S3Bucket)
	}

	// Registry validation: strict mode fails closed, including when no
	// registry base URL is configured at all.
	var registryClient registry.Client = registry.AllowAll{}
	strict := cfg.Registry.StrictValidation
	if strict {
		if cfg.Registry.BaseURL == "" {
			logger.Warn("strict validation enabled without REGISTRY_BASE_URL; all installs will be denied")
			registryClient = registry.DenyAll{}
		} else {
			base, err := parseBaseURL(cfg.Registry.BaseURL)
			if err != nil {
				log.Fatalf("invalid REGISTRY_BASE_URL: %v", err)
			}
			apiKey, err := cfg.AuthKeyValue()
			if err != nil {
				log.Fatalf("resolve runner api key: %v", err)
			}
			rc := registry.NewHTTPClient(base, apiKey, newCache("extrun:registry:"))
			rc.HTTP.Transport = workload.WrapTransport(nil)
			registryClient = rc
		}
	}

	// Secret resolution: vault transit plus the inline/local-aead path.
	var vault secretresolve.Decrypter
	if cfg.Vault.Addr != "" {
		token, err := readVaultToken(cfg.Vault.TokenFile)
		if err != nil {
			log.Fatalf("read vault token: %v", err)
		}
		v := secretresolve.NewVaultTransitDecrypter(cfg.Vault.Addr, token, cfg.Vault.Namespace, cfg.Vault.TransitMount)
		v.HTTP.Transport = workload.WrapTransport(nil)
		vault = v
	}
	local := &secretresolve.LocalEnvelopeDecrypter{}
	if cfg.Secrets.LocalAEADKeyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.Secrets.LocalAEADKeyB64)
		if err != nil {
			log.Fatalf("SECRET_LOCAL_AEAD_KEY is not valid base64: %v", err)
		}
		local.AEADKey = key
	}
	resolver := secretresolve.NewResolver(vault, local, newCache("extrun:secrets:"))

	// WASM engine. Runtimes (one per memory limit, host module included)
	// are created lazily on first use; per-limit failures surface as
	// engine_init_failed on the affected request.
	engine := wasmengine.NewEngine(cfg.Engine.MaxCompiledModules, cfg.Engine.MemoryLimitMB, logger)
	defer engine.Close(context.Background())

	// Optional execution audit trail.
	audit, err := auditlog.NewSupabaseSink(cfg.Audit.SupabaseURL, cfg.Audit.SupabaseServiceKey, logger)
	if err != nil {
		logger.Warn("audit sink unavailable", "error", err)
	}

	ensurer := staticui.NewEnsurer(cache, fetcher, ledger, evictor, logger)

	executor := execute.New(execute.Options{
		Engine:   engine,
		Fetcher:  fetcher,
		Cache:    cache,
		Secrets:  resolver,
		Registry: executeRegistry(strict, registryClient),
		Hub:      hub,
		Audit:    audit,
		Logger:   logger,

		EgressAllowlist: cfg.Egress.Allowlist,
		StorageCfg: hostabi.StorageConfig{
			BaseURL:   cfg.Storage.BaseURL,
			AuthToken: cfg.Storage.Token,
			HTTP:      outboundClient,
		},
		ProxyCfg: hostabi.ProxyConfig{
			BaseURL:   cfg.UIProxy.BaseURL,
			AuthToken: cfg.UIProxy.AuthKey,
			HTTP: &http.Client{
				Transport: workload.WrapTransport(nil),
				Timeout:   time.Duration(cfg.UIProxy.TimeoutMs) * time.Millisecond,
			},
		},
		DefaultTimeoutMs: cfg.Engine.DefaultTimeoutMs,
	})

	static := &staticui.Server{
		Cache:        cache,
		Ensurer:      ensurer,
		Registry:     registryClient,
		Strict:       strict,
		MaxFileBytes: cfg.Cache.StaticMaxFileBytes,
		Logger:       logger,
	}

	authKey, err := cfg.AuthKeyValue()
	if err != nil {
		log.Fatalf("resolve runner api key: %v", err)
	}

	api := &httpapi.Server{
		Executor: executor,
		Static:   static,
		Ensurer:  ensurer,
		Hub:      hub,
		AuthKey:  authKey,
		Logger:   logger,
	}

	// /metrics is always served on the main router; METRICS_ADDR adds a
	// dedicated metrics listener as well.
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	addr := cfg.Server.Interface + ":" + cfg.GetPort()
	logger.Info("extension runner listening", "addr", addr, "strict_validation", strict)
	if err := httpapi.ListenAndServe(ctx, addr, api.Router(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second, logger); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// executeRegistry returns the registry client the execute pipeline should
// consult; outside strict mode the pipeline skips validation entirely.
func executeRegistry(strict bool, client registry.Client) registry.Client {
	if !strict {
		return nil
	}
	return client
}

func readVaultToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	return url.Parse(strings.TrimRight(raw, "/"))
}
