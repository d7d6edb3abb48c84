// Package config handles loading and validating process configuration and the
// static routing catalog.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger and lock backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all process configuration for Meridian.
type Config struct {
	// Server
	Port           string   `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Management API
	AdminAPIKey        string `mapstructure:"admin_api_key"` // Required for /api/v1 endpoints
	RateLimitPerMinute int64  `mapstructure:"rate_limit_per_minute"`

	// Database
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBSSLMode  string `mapstructure:"db_sslmode"`

	// Redis
	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`

	// Backends
	LedgerBackend string `mapstructure:"ledger_backend"`
	LockBackend   string `mapstructure:"lock_backend"`
	StoreBackend  string `mapstructure:"store_backend"`
	// LockTTL bounds how long a crashed replica can hold a business.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// Routing catalog; empty uses the embedded default.
	CatalogPath string `mapstructure:"catalog_path"`

	// Fallback execution
	InvokeTimeout           time.Duration `mapstructure:"invoke_timeout"`
	RetryBaseDelay          time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay           time.Duration `mapstructure:"retry_max_delay"`
	MaxAttemptsPerCandidate int           `mapstructure:"max_attempts"`
	ProviderRPS             float64       `mapstructure:"provider_rps"`

	// Workflow
	RouteBackCap       int     `mapstructure:"route_back_cap"`
	MinCompleteness    float64 `mapstructure:"min_completeness"`
	RouteBackThreshold float64 `mapstructure:"route_back_threshold"`
	RouteBackTarget    string  `mapstructure:"route_back_target"`
	StageSpendFactor   float64 `mapstructure:"stage_spend_factor"`

	// Observability
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// Provider API Keys (never stored)
	OpenAIKey    string `mapstructure:"openai_api_key"`
	AnthropicKey string `mapstructure:"anthropic_api_key"`
	GeminiKey    string `mapstructure:"google_api_key"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"port":                  "MERIDIAN_PORT",
	"log_level":             "MERIDIAN_LOG_LEVEL",
	"allowed_origins":       "MERIDIAN_ALLOWED_ORIGINS",
	"admin_api_key":         "MERIDIAN_ADMIN_API_KEY",
	"rate_limit_per_minute": "MERIDIAN_RATE_LIMIT_PER_MINUTE",
	"db_host":               "POSTGRES_HOST",
	"db_port":               "POSTGRES_PORT",
	"db_name":               "POSTGRES_DB",
	"db_user":               "POSTGRES_USER",
	"db_password":           "POSTGRES_PASSWORD",
	"db_sslmode":            "POSTGRES_SSLMODE",
	"redis_host":            "REDIS_HOST",
	"redis_port":            "REDIS_PORT",
	"redis_password":        "REDIS_PASSWORD",
	"ledger_backend":        "MERIDIAN_LEDGER_BACKEND",
	"lock_backend":          "MERIDIAN_LOCK_BACKEND",
	"store_backend":         "MERIDIAN_STORE_BACKEND",
	"lock_ttl":              "MERIDIAN_LOCK_TTL",
	"catalog_path":          "MERIDIAN_CATALOG_PATH",
	"invoke_timeout":        "MERIDIAN_INVOKE_TIMEOUT",
	"retry_base_delay":      "MERIDIAN_RETRY_BASE_DELAY",
	"retry_max_delay":       "MERIDIAN_RETRY_MAX_DELAY",
	"max_attempts":          "MERIDIAN_MAX_ATTEMPTS",
	"provider_rps":          "MERIDIAN_PROVIDER_RPS",
	"route_back_cap":        "MERIDIAN_ROUTE_BACK_CAP",
	"min_completeness":      "MERIDIAN_MIN_COMPLETENESS",
	"route_back_threshold":  "MERIDIAN_ROUTE_BACK_THRESHOLD",
	"route_back_target":     "MERIDIAN_ROUTE_BACK_TARGET",
	"stage_spend_factor":    "MERIDIAN_STAGE_SPEND_FACTOR",
	"metrics_enabled":       "MERIDIAN_METRICS_ENABLED",
	"openai_api_key":        "OPENAI_API_KEY",
	"anthropic_api_key":     "ANTHROPIC_API_KEY",
	"google_api_key":        "GOOGLE_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("rate_limit_per_minute", 600)

	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_name", "meridian")
	v.SetDefault("db_user", "meridian")
	v.SetDefault("db_password", "")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")

	v.SetDefault("ledger_backend", BackendMemory)
	v.SetDefault("lock_backend", BackendMemory)
	v.SetDefault("store_backend", BackendMemory)
	v.SetDefault("lock_ttl", 10*time.Minute)

	v.SetDefault("invoke_timeout", 60*time.Second)
	v.SetDefault("retry_base_delay", 500*time.Millisecond)
	v.SetDefault("retry_max_delay", 8*time.Second)
	v.SetDefault("max_attempts", 2)
	v.SetDefault("provider_rps", 0)

	v.SetDefault("route_back_cap", 3)
	v.SetDefault("min_completeness", 0.5)
	v.SetDefault("route_back_threshold", 0.75)
	v.SetDefault("route_back_target", "positioning")
	v.SetDefault("stage_spend_factor", 3)

	v.SetDefault("metrics_enabled", true)
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	// Comma-separated env values arrive as a single element.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		cfg.AllowedOrigins = strings.Split(cfg.AllowedOrigins[0], ",")
	}
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: MERIDIAN_PORT is required")
	}
	for name, backend := range map[string]string{"ledger": c.LedgerBackend, "store": c.StoreBackend} {
		switch backend {
		case BackendMemory, BackendRedis, BackendPostgres:
		default:
			return fmt.Errorf("config: unsupported %s backend %q", name, backend)
		}
	}
	if c.StoreBackend == BackendRedis {
		return fmt.Errorf("config: store backend must be memory or postgres")
	}
	switch c.LockBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unsupported lock backend %q", c.LockBackend)
	}
	if c.LockBackend == BackendRedis && c.LockTTL <= 0 {
		return fmt.Errorf("config: MERIDIAN_LOCK_TTL must be positive")
	}
	if c.MaxAttemptsPerCandidate < 1 {
		return fmt.Errorf("config: MERIDIAN_MAX_ATTEMPTS must be at least 1")
	}
	if c.RouteBackCap < 0 {
		return fmt.Errorf("config: MERIDIAN_ROUTE_BACK_CAP must not be negative")
	}
	if c.MinCompleteness < 0 || c.MinCompleteness > 1 {
		return fmt.Errorf("config: MERIDIAN_MIN_COMPLETENESS must be within [0,1]")
	}
	if c.RouteBackThreshold < 0 || c.RouteBackThreshold > 1 {
		return fmt.Errorf("config: MERIDIAN_ROUTE_BACK_THRESHOLD must be within [0,1]")
	}
	if c.StageSpendFactor < 0 {
		return fmt.Errorf("config: MERIDIAN_STAGE_SPEND_FACTOR must not be negative")
	}
	if c.InvokeTimeout <= 0 {
		return fmt.Errorf("config: MERIDIAN_INVOKE_TIMEOUT must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// NeedsDatabase reports whether any configured backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.LedgerBackend == BackendPostgres || c.StoreBackend == BackendPostgres
}

// NeedsRedis reports whether any configured backend is Redis.
func (c *Config) NeedsRedis() bool {
	return c.LedgerBackend == BackendRedis || c.LockBackend == BackendRedis
}
