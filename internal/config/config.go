// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/relaymux/internal/auth"
	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/provider"
	"github.com/blueberrycongee/relaymux/internal/resilience"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server         ServerConfig                    `yaml:"server"`
	Upstream       UpstreamConfig                  `yaml:"upstream"`
	Providers      []ProviderConfig                `yaml:"providers"`
	Users          []UserConfig                    `yaml:"users"`
	Keys           []KeyConfig                     `yaml:"keys"`
	Auth           AuthConfig                      `yaml:"auth"`
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
	Limits         LimitsConfig                    `yaml:"limits"`
	Affinity       AffinityConfig                  `yaml:"affinity"`
	Redis          RedisConfig                     `yaml:"redis"`
	Database       DatabaseConfig                  `yaml:"database"`
	Pricing        PricingConfig                   `yaml:"pricing"`
	Audit          AuditConfig                     `yaml:"audit"`
	Guard          GuardConfig                     `yaml:"guard"`
	Logging        LoggingConfig                   `yaml:"logging"`
	Metrics        MetricsConfig                   `yaml:"metrics"`
	Tracing        TracingConfig                   `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
	// AdminPort serves monitoring routes on a separate listener when set.
	AdminPort       int           `yaml:"admin_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// UpstreamConfig tunes the HTTP client used for providers. There is no overall
// request timeout so long streams survive; hangs surface through these limits.
type UpstreamConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	AllowPrivateBaseURL   bool          `yaml:"allow_private_base_url"`
}

// ProviderConfig defines a single upstream provider.
type ProviderConfig struct {
	ID             int64             `yaml:"id"`
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	Enabled        *bool             `yaml:"enabled"`
	APIKey         string            `yaml:"api_key"`
	BaseURL        string            `yaml:"base_url"`
	GroupTag       string            `yaml:"group_tag"`
	Priority       int               `yaml:"priority"`
	Weight         *int              `yaml:"weight"`
	CostMultiplier float64           `yaml:"cost_multiplier"`
	ModelRedirects map[string]string `yaml:"model_redirects"`

	Limit5hUSD            *float64 `yaml:"limit_5h_usd"`
	LimitWeeklyUSD        *float64 `yaml:"limit_weekly_usd"`
	LimitMonthlyUSD       *float64 `yaml:"limit_monthly_usd"`
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions"`
}

// UserConfig defines a user.
type UserConfig struct {
	ID            int64  `yaml:"id"`
	Name          string `yaml:"name"`
	ProviderGroup string `yaml:"provider_group"`
	RPM           int    `yaml:"rpm"`
	Enabled       *bool  `yaml:"enabled"`
}

// KeyConfig defines an API key. Either Key (raw, usually from ${ENV}) or KeyHash
// (hex sha256) must be set.
type KeyConfig struct {
	ID        int64      `yaml:"id"`
	UserID    int64      `yaml:"user_id"`
	Name      string     `yaml:"name"`
	Key       string     `yaml:"key"`
	KeyHash   string     `yaml:"key_hash"`
	Enabled   *bool      `yaml:"enabled"`
	ExpiresAt *time.Time `yaml:"expires_at"`

	Limit5hUSD              *float64 `yaml:"limit_5h_usd"`
	LimitWeeklyUSD          *float64 `yaml:"limit_weekly_usd"`
	LimitMonthlyUSD         *float64 `yaml:"limit_monthly_usd"`
	LimitConcurrentSessions int      `yaml:"limit_concurrent_sessions"`
}

// AuthConfig configures session-login tokens.
type AuthConfig struct {
	// TokenSecret enables JWT session tokens when non-empty.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// LimitsConfig configures the cost and concurrency limiter.
type LimitsConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	// Timezone defines natural week and month boundaries.
	Timezone string `yaml:"timezone"`
}

// AffinityConfig configures conversation affinity.
type AffinityConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ActiveWindow time.Duration `yaml:"active_window"`
	// PruneSchedule is a cron expression for activity-index pruning.
	PruneSchedule string `yaml:"prune_schedule"`
}

// RedisConfig enables the shared counter and affinity backend. Without it both use
// process-local memory.
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

// DatabaseConfig configures the Postgres connection used by the audit log and the
// price table.
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PricingConfig configures cost calculation.
type PricingConfig struct {
	// Models overrides or extends the built-in price list.
	Models []ModelPriceConfig `yaml:"models"`
	// DatabaseLookup consults the model_prices table before the static list.
	DatabaseLookup bool          `yaml:"database_lookup"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// ModelPriceConfig is one price entry in USD per 1000 tokens.
type ModelPriceConfig struct {
	Model           string  `yaml:"model"`
	InputPer1K      float64 `yaml:"input_per_1k"`
	OutputPer1K     float64 `yaml:"output_per_1k"`
	CacheWritePer1K float64 `yaml:"cache_write_per_1k"`
	CacheReadPer1K  float64 `yaml:"cache_read_per_1k"`
}

// AuditConfig configures the request log.
type AuditConfig struct {
	Backend        string `yaml:"backend"` // memory, postgres
	MemoryCapacity int    `yaml:"memory_capacity"`
}

// GuardConfig configures the content pre-check. Entries prefixed with "re:" are
// regular expressions.
type GuardConfig struct {
	Words []string `yaml:"words"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	Protocol    string  `yaml:"protocol"`     // grpc, http
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// Audit backends.
const (
	AuditBackendMemory   = "memory"
	AuditBackendPostgres = "postgres"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams may run for minutes
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBytes: 32 << 20,
		},
		Upstream: UpstreamConfig{
			DialTimeout:           10 * time.Second,
			ResponseHeaderTimeout: 5 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   32,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		Limits: LimitsConfig{
			SessionTTL: 5 * time.Minute,
			Timezone:   "UTC",
		},
		Affinity: AffinityConfig{
			TTL:           300 * time.Second,
			ActiveWindow:  60 * time.Second,
			PruneSchedule: "*/5 * * * *",
		},
		Redis: RedisConfig{
			Prefix: "relaymux",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Pricing: PricingConfig{
			CacheTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Backend:        AuditBackendMemory,
			MemoryCapacity: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "relaymux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// load returns the parsed config and the checksum of the raw file.
func load(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read config file: %w", err)
	}
	sum := sha256.Sum256(data)

	cfg, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, hex.EncodeToString(sum[:]), nil
}

// Parse expands environment variables in data, applies it over the defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("invalid server port: %d", c.Server.Port)
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 || (c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port) {
		add("invalid admin port: %d", c.Server.AdminPort)
	}

	if len(c.Providers) == 0 {
		add("at least one provider must be configured")
	}
	providerIDs := make(map[int64]bool, len(c.Providers))
	for i, pc := range c.Providers {
		if pc.ID <= 0 {
			add("provider[%d] %q: id must be positive", i, pc.Name)
		} else if providerIDs[pc.ID] {
			add("provider[%d] %q: duplicate id %d", i, pc.Name, pc.ID)
		}
		providerIDs[pc.ID] = true
		if pc.APIKey == "" {
			add("provider[%d] %q: api_key is required", i, pc.Name)
		}
		if err := pc.Provider().Validate(c.Upstream.AllowPrivateBaseURL); err != nil {
			add("provider[%d] %q: %w", i, pc.Name, err)
		}
	}

	userIDs := make(map[int64]bool, len(c.Users))
	for i, u := range c.Users {
		if u.ID <= 0 {
			add("user[%d] %q: id must be positive", i, u.Name)
		} else if userIDs[u.ID] {
			add("user[%d] %q: duplicate id %d", i, u.Name, u.ID)
		}
		userIDs[u.ID] = true
		if u.RPM < 0 {
			add("user[%d] %q: rpm cannot be negative", i, u.Name)
		}
	}

	keyIDs := make(map[int64]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.ID <= 0 {
			add("key[%d] %q: id must be positive", i, k.Name)
		} else if keyIDs[k.ID] {
			add("key[%d] %q: duplicate id %d", i, k.Name, k.ID)
		}
		keyIDs[k.ID] = true
		if !userIDs[k.UserID] {
			add("key[%d] %q: unknown user_id %d", i, k.Name, k.UserID)
		}
		if (k.Key == "") == (k.KeyHash == "") {
			add("key[%d] %q: exactly one of key or key_hash is required", i, k.Name)
		}
		if k.LimitConcurrentSessions < 0 {
			add("key[%d] %q: limit_concurrent_sessions cannot be negative", i, k.Name)
		}
		for name, v := range map[string]*float64{
			"limit_5h_usd": k.Limit5hUSD, "limit_weekly_usd": k.LimitWeeklyUSD, "limit_monthly_usd": k.LimitMonthlyUSD,
		} {
			if v != nil && *v < 0 {
				add("key[%d] %q: %s cannot be negative", i, k.Name, name)
			}
		}
	}

	if c.CircuitBreaker.FailureThreshold < 0 || c.CircuitBreaker.OpenDuration < 0 {
		add("circuit_breaker: values cannot be negative")
	}

	if _, err := time.LoadLocation(c.Limits.Timezone); err != nil {
		add("limits.timezone: %w", err)
	}
	if c.Limits.SessionTTL < 0 {
		add("limits.session_ttl cannot be negative")
	}

	if c.Affinity.TTL < 0 || c.Affinity.ActiveWindow < 0 {
		add("affinity: durations cannot be negative")
	}
	if c.Affinity.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Affinity.PruneSchedule); err != nil {
			add("affinity.prune_schedule: %w", err)
		}
	}

	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		add("redis.addrs is required when redis is enabled")
	}

	if c.Database.Enabled && c.Database.DSN == "" {
		add("database.dsn is required when database is enabled")
	}

	switch c.Audit.Backend {
	case AuditBackendMemory:
	case AuditBackendPostgres:
		if !c.Database.Enabled {
			add("audit.backend %q requires database.enabled", c.Audit.Backend)
		}
	default:
		add("audit.backend: unknown backend %q", c.Audit.Backend)
	}
	if c.Pricing.DatabaseLookup && !c.Database.Enabled {
		add("pricing.database_lookup requires database.enabled")
	}
	for i, m := range c.Pricing.Models {
		if strings.TrimSpace(m.Model) == "" {
			add("pricing.models[%d]: model is required", i)
		}
	}

	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		add("tracing.protocol: unknown protocol %q", c.Tracing.Protocol)
	}

	return errors.Join(errs...)
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Provider converts the entry to a provider. Weight defaults to 1 when unset.
func (pc ProviderConfig) Provider() *provider.Provider {
	weight := 1
	if pc.Weight != nil {
		weight = *pc.Weight
	}
	return &provider.Provider{
		ID:                    pc.ID,
		Name:                  pc.Name,
		Enabled:               enabled(pc.Enabled),
		Type:                  provider.Type(pc.Type),
		BaseURL:               pc.BaseURL,
		APIKey:                pc.APIKey,
		GroupTag:              pc.GroupTag,
		Priority:              pc.Priority,
		Weight:                weight,
		CostMultiplier:        pc.CostMultiplier,
		Limit5hUSD:            pc.Limit5hUSD,
		LimitWeeklyUSD:        pc.LimitWeeklyUSD,
		LimitMonthlyUSD:       pc.LimitMonthlyUSD,
		MaxConcurrentSessions: pc.MaxConcurrentSessions,
		ModelRedirects:        pc.ModelRedirects,
	}
}

// ProviderSet returns every configured provider.
func (c *Config) ProviderSet() []*provider.Provider {
	out := make([]*provider.Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		out = append(out, pc.Provider())
	}
	return out
}

// AuthSet returns the configured users and keys. Raw keys are hashed here and never
// kept.
func (c *Config) AuthSet() ([]*auth.User, []*auth.Key) {
	users := make([]*auth.User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, &auth.User{
			ID:            u.ID,
			Name:          u.Name,
			ProviderGroup: u.ProviderGroup,
			RPM:           u.RPM,
			Enabled:       enabled(u.Enabled),
		})
	}

	keys := make([]*auth.Key, 0, len(c.Keys))
	for _, k := range c.Keys {
		hash := strings.ToLower(strings.TrimSpace(k.KeyHash))
		if k.Key != "" {
			hash = auth.HashKey(k.Key)
		}
		keys = append(keys, &auth.Key{
			ID:                      k.ID,
			UserID:                  k.UserID,
			Name:                    k.Name,
			KeyHash:                 hash,
			Enabled:                 enabled(k.Enabled),
			ExpiresAt:               k.ExpiresAt,
			Limit5hUSD:              k.Limit5hUSD,
			LimitWeeklyUSD:          k.LimitWeeklyUSD,
			LimitMonthlyUSD:         k.LimitMonthlyUSD,
			LimitConcurrentSessions: k.LimitConcurrentSessions,
		})
	}
	return users, keys
}

// PriceList returns the built-in prices overlaid with configured entries.
func (c *Config) PriceList() []pricing.ModelPricing {
	out := make([]pricing.ModelPricing, 0, len(pricing.DefaultPricing)+len(c.Pricing.Models))
	out = append(out, pricing.DefaultPricing...)
	for _, m := range c.Pricing.Models {
		out = append(out, pricing.ModelPricing{
			Model:               m.Model,
			InputCostPer1K:      m.InputPer1K,
			OutputCostPer1K:     m.OutputPer1K,
			CacheWriteCostPer1K: m.CacheWritePer1K,
			CacheReadCostPer1K:  m.CacheReadPer1K,
		})
	}
	return out
}

// Location returns the limiter's calendar location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Limits.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Warning is a non-fatal configuration problem.
type Warning struct {
	Code    string
	Message string
}

// Warning codes.
const (
	WarningNoKeys           = "no_keys"
	WarningLocalLimits      = "local_limits"
	WarningAuditMemory      = "audit_memory"
	WarningNoNativeProvider = "no_native_provider"
	WarningNoOpenAIProvider = "no_openai_provider"
	WarningZeroWeight       = "zero_weight_providers"
)

// Warnings returns problems worth logging at startup that do not prevent serving.
func (c *Config) Warnings() []Warning {
	var out []Warning
	if len(c.Keys) == 0 {
		out = append(out, Warning{WarningNoKeys, "no api keys configured; every proxied request will be rejected"})
	}

	limited := false
	for _, k := range c.Keys {
		if k.LimitConcurrentSessions > 0 || k.Limit5hUSD != nil || k.LimitWeeklyUSD != nil || k.LimitMonthlyUSD != nil {
			limited = true
		}
	}
	var native, responses, zeroWeight bool
	for _, pc := range c.Providers {
		p := pc.Provider()
		if p.MaxConcurrentSessions > 0 || hasSpendLimit(p) {
			limited = true
		}
		if !p.Enabled {
			continue
		}
		switch p.Type {
		case provider.TypeNative:
			native = true
		case provider.TypeOpenAIResponse:
			responses = true
		}
		if p.Weight == 0 {
			zeroWeight = true
		}
	}
	if limited && !c.Redis.Enabled {
		out = append(out, Warning{WarningLocalLimits, "spend and concurrency limits are tracked per process because redis is disabled"})
	}
	if c.Audit.Backend == AuditBackendMemory {
		out = append(out, Warning{WarningAuditMemory, "request logs are kept in memory only"})
	}
	if !native {
		out = append(out, Warning{WarningNoNativeProvider, "no enabled native provider; native requests will fail"})
	}
	if !responses {
		out = append(out, Warning{WarningNoOpenAIProvider, "no enabled openai-response provider; chat completion requests will fail"})
	}
	if zeroWeight {
		out = append(out, Warning{WarningZeroWeight, "providers with weight 0 are only drawn when their whole tier has weight 0"})
	}
	return out
}

func hasSpendLimit(p *provider.Provider) bool {
	return p.Limit5hUSD != nil || p.LimitWeeklyUSD != nil || p.LimitMonthlyUSD != nil
}
