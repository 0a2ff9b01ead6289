package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server           ServerConfig    `json:"server"`
	Database         DatabaseConfig  `json:"database"`
	TemplateDatabase DatabaseConfig  `json:"template_database"`
	Redis            RedisConfig     `json:"redis"`
	Cache            CacheConfig     `json:"cache"`
	Reconcile        ReconcileConfig `json:"reconcile"`
	CodePool         CodePoolConfig  `json:"code_pool"`
	Templates        TemplateConfig  `json:"templates"`
	Security         SecurityConfig  `json:"security"`
	RateLimit        RateLimitConfig `json:"rate_limit"`
	Tracing          TracingConfig   `json:"tracing"`
	Log              LogConfig       `json:"log"`
	Features         FeatureConfig   `json:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite3 or postgres
	DSN    string `json:"dsn"`
	// Timeout bounds every store call, in milliseconds.
	TimeoutMS int `json:"timeout_ms"`
}

// Timeout returns the per-call store timeout.
func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// RedisConfig holds connection settings for the cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// CacheConfig holds partition TTL settings. Every partition write picks a
// random TTL inside [TTLMin, TTLMax).
type CacheConfig struct {
	TTLMinSeconds int `json:"ttl_min_seconds"`
	TTLMaxSeconds int `json:"ttl_max_seconds"`
}

// ReconcileConfig holds reconciliation channel settings.
type ReconcileConfig struct {
	Backend      string `json:"backend"` // redis or memory
	Partitions   int    `json:"partitions"`
	StreamPrefix string `json:"stream_prefix"`
	Group        string `json:"group"`
	Consumer     string `json:"consumer"`
	BlockMS      int    `json:"block_ms"`
	RetryMS      int    `json:"retry_ms"`
}

// CodePoolConfig sizes the worker pool that generates coupon codes.
// The pool's backlog is unbounded; BacklogHint only presizes it.
type CodePoolConfig struct {
	Workers     int `json:"workers"`
	BacklogHint int `json:"backlog_hint"`
}

// TemplateConfig holds template source settings.
type TemplateConfig struct {
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	LookupTimeoutMS      int `json:"lookup_timeout_ms"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 10MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
	// RequireToken rejects requests without a token query parameter.
	RequireToken bool `json:"require_token"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// FeatureConfig holds the initial state of feature flags.
type FeatureConfig struct {
	MutualStacking bool `json:"mutual_stacking"`
}

// LoadDotEnv loads a .env file into the process environment if present.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := Default()

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver:    "sqlite3",
			DSN:       "./coupon.db",
			TimeoutMS: 3000,
		},
		TemplateDatabase: DatabaseConfig{
			Driver:    "sqlite3",
			DSN:       "./coupon_template.db",
			TimeoutMS: 3000,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Cache: CacheConfig{
			TTLMinSeconds: 60 * 60,
			TTLMaxSeconds: 2 * 60 * 60,
		},
		Reconcile: ReconcileConfig{
			Backend:      "redis",
			Partitions:   8,
			StreamPrefix: "coupon:reconcile:",
			Group:        "coupon-reconcile",
			Consumer:     hostname(),
			BlockMS:      2000,
			RetryMS:      1000,
		},
		CodePool: CodePoolConfig{
			Workers:     16,
			BacklogHint: 32,
		},
		Templates: TemplateConfig{
			SweepIntervalSeconds: 60 * 60,
			LookupTimeoutMS:      2000,
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 10 << 20, // 10MB default
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Tracing: TracingConfig{
			ServiceName: "coupon-service",
			Environment: "development",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.Host, "SERVER_HOST")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setInt(&cfg.Database.TimeoutMS, "STORE_TIMEOUT_MS")
	setString(&cfg.TemplateDatabase.Driver, "TEMPLATE_DATABASE_DRIVER")
	setString(&cfg.TemplateDatabase.DSN, "TEMPLATE_DATABASE_DSN")
	setInt(&cfg.TemplateDatabase.TimeoutMS, "STORE_TIMEOUT_MS")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setInt(&cfg.Cache.TTLMinSeconds, "CACHE_TTL_MIN_SECONDS")
	setInt(&cfg.Cache.TTLMaxSeconds, "CACHE_TTL_MAX_SECONDS")

	setString(&cfg.Reconcile.Backend, "RECONCILE_BACKEND")
	setInt(&cfg.Reconcile.Partitions, "RECONCILE_PARTITIONS")
	setString(&cfg.Reconcile.StreamPrefix, "RECONCILE_STREAM_PREFIX")
	setString(&cfg.Reconcile.Group, "RECONCILE_GROUP")
	setString(&cfg.Reconcile.Consumer, "RECONCILE_CONSUMER")
	setInt(&cfg.Reconcile.BlockMS, "RECONCILE_BLOCK_MS")
	setInt(&cfg.Reconcile.RetryMS, "RECONCILE_RETRY_MS")

	setInt(&cfg.CodePool.Workers, "CODE_POOL_WORKERS")
	setInt(&cfg.CodePool.BacklogHint, "CODE_POOL_BACKLOG_HINT")

	setInt(&cfg.Templates.SweepIntervalSeconds, "TEMPLATE_SWEEP_INTERVAL_SECONDS")
	setInt(&cfg.Templates.LookupTimeoutMS, "TEMPLATE_LOOKUP_TIMEOUT_MS")

	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	setString(&cfg.Security.AllowedOrigins, "ALLOWED_ORIGINS")
	setBool(&cfg.Security.RequireToken, "REQUIRE_TOKEN")

	setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED")
	setInt(&cfg.RateLimit.Rate, "RATE_LIMIT_RATE")
	setInt(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setBool(&cfg.Tracing.Enabled, "TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "TRACING_ENDPOINT")
	setString(&cfg.Tracing.ServiceName, "TRACING_SERVICE_NAME")
	setString(&cfg.Tracing.Environment, "TRACING_ENVIRONMENT")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setBool(&cfg.Log.Development, "LOG_DEVELOPMENT")

	setBool(&cfg.Features.MutualStacking, "FEATURE_MUTUAL_STACKING")
}

func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = strings.ToLower(value) == "true" || value == "1"
	}
}

func setInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			*dst = i
		}
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "coupon-service"
	}
	return name
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	for _, db := range []DatabaseConfig{c.Database, c.TemplateDatabase} {
		if db.DSN == "" {
			return fmt.Errorf("database dsn is required")
		}
		if db.Driver != "sqlite3" && db.Driver != "postgres" {
			return fmt.Errorf("unsupported database driver %q", db.Driver)
		}
		if db.TimeoutMS <= 0 {
			return fmt.Errorf("store timeout must be positive")
		}
	}
	if c.Cache.TTLMinSeconds <= 0 || c.Cache.TTLMaxSeconds <= c.Cache.TTLMinSeconds {
		return fmt.Errorf("cache ttl window must satisfy 0 < min < max")
	}
	if c.Reconcile.Backend != "redis" && c.Reconcile.Backend != "memory" {
		return fmt.Errorf("unsupported reconcile backend %q", c.Reconcile.Backend)
	}
	if c.Reconcile.Partitions <= 0 {
		return fmt.Errorf("reconcile partitions must be positive")
	}
	if c.CodePool.Workers <= 0 || c.CodePool.BacklogHint < 0 {
		return fmt.Errorf("code pool needs at least one worker and a non-negative backlog hint")
	}
	if c.Templates.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("template sweep interval must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	return nil
}
