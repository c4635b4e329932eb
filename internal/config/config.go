package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// Runner Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Registry    RegistryConfig    `yaml:"registry"`
	BundleStore BundleStoreConfig `yaml:"bundle_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Engine      EngineConfig      `yaml:"engine"`
	CacheLedger CacheLedgerConfig `yaml:"cache_ledger"`
	Egress      EgressConfig      `yaml:"egress"`
	Storage     StorageAPIConfig  `yaml:"storage"`
	UIProxy     UIProxyConfig     `yaml:"ui_proxy"`
	Vault       VaultConfig       `yaml:"vault"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Auth        AuthConfig        `yaml:"auth"`
	Debug       DebugConfig       `yaml:"debug"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Audit       AuditConfig       `yaml:"audit"`
	Identity    IdentityConfig    `yaml:"identity"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	Interface       string `yaml:"interface"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// RegistryConfig controls install-validation calls.
type RegistryConfig struct {
	BaseURL          string `yaml:"base_url"`
	StrictValidation bool   `yaml:"strict_validation"`
}

// BundleStoreConfig points at the content-hashed object store.
type BundleStoreConfig struct {
	BaseURL     string `yaml:"base_url"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
}

// CacheConfig governs the on-disk bundle/UI cache.
type CacheConfig struct {
	Root               string `yaml:"root"`
	MaxBytes           int64  `yaml:"max_bytes"`
	StaticMaxFileBytes int64  `yaml:"static_max_file_bytes"`
}

// EngineConfig bounds the wazero runtime.
type EngineConfig struct {
	MaxCompiledModules int `yaml:"max_compiled_modules"`
	MemoryLimitMB      int `yaml:"memory_limit_mb"`
	DefaultTimeoutMs   int `yaml:"default_timeout_ms"`
}

// CacheLedgerConfig points at the Postgres recency ledger.
type CacheLedgerConfig struct {
	DSN string `yaml:"dsn"`
}

// EgressConfig restricts guest http.fetch destinations.
type EgressConfig struct {
	Allowlist []string `yaml:"allowlist"`
}

// StorageAPIConfig points storage.kv at the install-scoped backend.
type StorageAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// UIProxyConfig points ui_proxy.call_route at its backend.
type UIProxyConfig struct {
	BaseURL   string `yaml:"base_url"`
	AuthKey   string `yaml:"auth_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// VaultConfig configures transit-backed secret decryption.
type VaultConfig struct {
	Addr         string `yaml:"addr"`
	TokenFile    string `yaml:"token_file"`
	Namespace    string `yaml:"namespace"`
	TransitMount string `yaml:"transit_mount"`
}

// SecretsConfig configures the inline "local-aead" envelope extension.
type SecretsConfig struct {
	LocalAEADKeyB64 string `yaml:"local_aead_key_b64"`
}

// AuthConfig is the runner-wide bearer key accepted on inbound requests.
type AuthConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// DebugConfig controls the in-process debug hub and its optional Redis mirror.
type DebugConfig struct {
	StreamEnabled     bool   `yaml:"stream_enabled"`
	MaxSubscribers    int    `yaml:"max_subscribers"`
	MaxBufferedEvents int    `yaml:"max_buffered_events"`
	MaxEventBytes     int    `yaml:"max_event_bytes"`
	RedisURL          string `yaml:"redis_url"`
	RedisPassword     string `yaml:"redis_password"`
	RedisStreamPrefix string `yaml:"redis_stream_prefix"`
	RedisMaxLen       int64  `yaml:"redis_maxlen"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AuditConfig controls the Supabase-backed execution audit sink.
type AuditConfig struct {
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
}

// IdentityConfig controls optional SPIFFE workload identity.
type IdentityConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading a local .env (outside
// production) before the first read of os.Getenv.
func Get() *Config {
	once.Do(func() {
		if os.Getenv("RUNNER_ENV") != "production" {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				slog.Warn("config: failed to load .env", "error", err)
			}
		}

		cfg, err := LoadConfig(getEnv("CONFIG_FILE", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file. A missing or unreadable file is
// returned as an error; Get logs it and falls back to an empty Config shaped
// entirely by env overrides.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of
// whatever the YAML file set.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("RUNNER_ENV", c.Server.Env)
	c.Server.Interface = getEnv("RUNNER_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Registry.BaseURL = getEnv("REGISTRY_BASE_URL", c.Registry.BaseURL)
	c.Registry.StrictValidation = getEnvBool("EXT_STATIC_STRICT_VALIDATION", c.Registry.StrictValidation)

	c.BundleStore.BaseURL = getEnv("BUNDLE_STORE_BASE", c.BundleStore.BaseURL)
	c.BundleStore.S3AccessKey = getEnv("S3_ACCESS_KEY", c.BundleStore.S3AccessKey)
	c.BundleStore.S3SecretKey = getEnv("S3_SECRET_KEY", c.BundleStore.S3SecretKey)
	c.BundleStore.S3Bucket = getEnv("S3_BUCKET", c.BundleStore.S3Bucket)
	c.BundleStore.S3Region = getEnv("S3_REGION", c.BundleStore.S3Region)

	c.Cache.Root = getEnv("EXT_CACHE_ROOT", c.Cache.Root)
	if v := getEnvInt64("EXT_CACHE_MAX_BYTES", 0); v > 0 {
		c.Cache.MaxBytes = v
	}
	if v := getEnvInt64("EXT_STATIC_MAX_FILE_BYTES", 0); v > 0 {
		c.Cache.StaticMaxFileBytes = v
	}

	if v := getEnvInt("WASM_ENGINE_MAX_COMPILED", 0); v > 0 {
		c.Engine.MaxCompiledModules = v
	}
	if v := getEnvInt("WASM_ENGINE_MEMORY_LIMIT_MB", 0); v > 0 {
		c.Engine.MemoryLimitMB = v
	}
	if v := getEnvInt("WASM_ENGINE_DEFAULT_TIMEOUT_MS", 0); v > 0 {
		c.Engine.DefaultTimeoutMs = v
	}

	c.CacheLedger.DSN = getEnv("CACHE_LEDGER_DSN", c.CacheLedger.DSN)

	if allow := getEnv("EXT_EGRESS_ALLOWLIST", ""); allow != "" {
		c.Egress.Allowlist = splitCSV(allow)
	}

	c.Storage.BaseURL = getEnv("STORAGE_API_BASE_URL", c.Storage.BaseURL)
	c.Storage.Token = getEnv("RUNNER_STORAGE_API_TOKEN", c.Storage.Token)

	c.UIProxy.BaseURL = getEnv("UI_PROXY_BASE_URL", c.UIProxy.BaseURL)
	c.UIProxy.AuthKey = getEnv("UI_PROXY_AUTH_KEY", c.UIProxy.AuthKey)
	if v := getEnvInt("UI_PROXY_TIMEOUT_MS", 0); v > 0 {
		c.UIProxy.TimeoutMs = v
	}

	c.Vault.Addr = getEnv("VAULT_ADDR", c.Vault.Addr)
	c.Vault.TokenFile = getEnv("ALGA_VAULT_TOKEN_FILE", c.Vault.TokenFile)
	c.Vault.Namespace = getEnv("VAULT_NAMESPACE", c.Vault.Namespace)
	c.Vault.TransitMount = getEnv("ALGA_VAULT_TRANSIT_MOUNT", c.Vault.TransitMount)

	c.Secrets.LocalAEADKeyB64 = getEnv("SECRET_LOCAL_AEAD_KEY", c.Secrets.LocalAEADKeyB64)

	c.Auth.Key = getEnv("ALGA_AUTH_KEY", c.Auth.Key)
	c.Auth.KeyFile = getEnv("ALGA_AUTH_KEY_FILE", c.Auth.KeyFile)

	c.Debug.StreamEnabled = getEnvBool("RUNNER_DEBUG_STREAM_ENABLED", c.Debug.StreamEnabled)
	if v := getEnvInt("RUNNER_DEBUG_MAX_SUBSCRIBERS", 0); v > 0 {
		c.Debug.MaxSubscribers = v
	}
	if v := getEnvInt("RUNNER_DEBUG_MAX_BUFFERED_EVENTS", 0); v > 0 {
		c.Debug.MaxBufferedEvents = v
	}
	if v := getEnvInt("RUNNER_DEBUG_MAX_EVENT_BYTES", 0); v > 0 {
		c.Debug.MaxEventBytes = v
	}
	c.Debug.RedisURL = getEnv("RUNNER_DEBUG_REDIS_URL", c.Debug.RedisURL)
	c.Debug.RedisPassword = getEnv("RUNNER_DEBUG_REDIS_PASSWORD", c.Debug.RedisPassword)
	c.Debug.RedisStreamPrefix = getEnv("RUNNER_DEBUG_REDIS_STREAM_PREFIX", c.Debug.RedisStreamPrefix)
	if v := getEnvInt64("RUNNER_DEBUG_REDIS_MAXLEN", 0); v > 0 {
		c.Debug.RedisMaxLen = v
	}

	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	c.Audit.SupabaseURL = getEnv("SUPABASE_URL", c.Audit.SupabaseURL)
	c.Audit.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Audit.SupabaseServiceKey)

	c.Identity.SocketPath = getEnv("SPIFFE_ENDPOINT_SOCKET", c.Identity.SocketPath)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Cache.Root == "" {
		c.Cache.Root = os.TempDir() + "/extrun-cache"
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 2 << 30 // 2 GiB
	}
	if c.Cache.StaticMaxFileBytes == 0 {
		c.Cache.StaticMaxFileBytes = 25 << 20 // 25 MiB
	}
	if c.Engine.MaxCompiledModules == 0 {
		c.Engine.MaxCompiledModules = 64
	}
	if c.Engine.MemoryLimitMB == 0 {
		c.Engine.MemoryLimitMB = 256
	}
	if c.Engine.DefaultTimeoutMs == 0 {
		c.Engine.DefaultTimeoutMs = 5000
	}
	if c.UIProxy.TimeoutMs == 0 {
		c.UIProxy.TimeoutMs = 10000
	}
	if c.Vault.TransitMount == "" {
		c.Vault.TransitMount = "transit"
	}
	if c.Debug.MaxSubscribers == 0 {
		c.Debug.MaxSubscribers = 64
	}
	if c.Debug.MaxBufferedEvents == 0 {
		c.Debug.MaxBufferedEvents = 1024
	}
	if c.Debug.MaxEventBytes == 0 {
		c.Debug.MaxEventBytes = 8192
	}
	if c.Debug.RedisStreamPrefix == "" {
		c.Debug.RedisStreamPrefix = "extrun:debug:"
	}
	if c.Debug.RedisMaxLen == 0 {
		c.Debug.RedisMaxLen = 1000
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

// AuthKeyValue resolves the runner-wide API key, preferring a file (for
// mounted-secret deployments) over the inline env value.
func (c *Config) AuthKeyValue() (string, error) {
	if c.Auth.KeyFile != "" {
		b, err := os.ReadFile(c.Auth.KeyFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return c.Auth.Key, nil
}
