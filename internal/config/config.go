// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Usage    UsageConfig
	Identity IdentityConfig
	HTTP     HTTPConfig
	Limits   LimitTable
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// Address returns the Redis address in host:port format.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EngineConfig tunes the admission-control engine.
type EngineConfig struct {
	KeyPrefix         string
	StoreTimeout      time.Duration // per store round trip
	DecisionTimeout   time.Duration // whole decision, including fan-out
	FallbackRemaining int

	LoadAdjust           bool
	LoadLatencyThreshold time.Duration
	LoadMemoryThreshold  float64
	LoadFactor           float64

	// GlobalFailClosedRPS > 0 bounds the global scope with an in-process
	// token bucket while the store is failing. Zero keeps it fully open.
	GlobalFailClosedRPS float64

	LimitsFile string
}

// UsageConfig holds usage/audit recorder configuration.
type UsageConfig struct {
	Enabled       bool
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
	Retention     time.Duration
}

// IdentityConfig holds identity enrichment configuration.
type IdentityConfig struct {
	CacheTTL      time.Duration
	VerifyTimeout time.Duration
	APIKeyPrefix  string
	StaticTokens  map[string]string // token -> "userID:tier", development only
}

// HTTPConfig holds request-to-context extraction settings.
type HTTPConfig struct {
	TrustProxy     bool
	TrustedProxies []string
	APIKeyHeader   string
	SessionHeader  string
	AdminToken     string
	CheckToken     string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")
	if cfg.Server.Port, err = getEnvAsInt("SERVER_PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	if cfg.Server.ReadTimeout, err = getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	if cfg.Server.WriteTimeout, err = getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	if cfg.Server.ShutdownTimeout, err = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	if cfg.Database.Port, err = getEnvAsInt("DB_PORT", 5432); err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.User = getEnvOrDefault("DB_USER", "searchgate")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "searchgate")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	if cfg.Database.MaxOpenConns, err = getEnvAsInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	if cfg.Database.MaxIdleConns, err = getEnvAsInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	if cfg.Database.ConnMaxLifetime, err = getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	if cfg.Database.AutoMigrate, err = getEnvAsBool("DB_AUTO_MIGRATE", true); err != nil {
		return nil, fmt.Errorf("invalid DB_AUTO_MIGRATE: %w", err)
	}

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	if cfg.Redis.Port, err = getEnvAsInt("REDIS_PORT", 6379); err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	if cfg.Redis.DB, err = getEnvAsInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.Redis.PoolSize, err = getEnvAsInt("REDIS_POOL_SIZE", 10); err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}

	if err := loadEngine(&cfg.Engine); err != nil {
		return nil, err
	}
	if err := loadUsage(&cfg.Usage); err != nil {
		return nil, err
	}
	if err := loadIdentity(&cfg.Identity); err != nil {
		return nil, err
	}
	if err := loadHTTP(&cfg.HTTP); err != nil {
		return nil, err
	}

	limits, err := LoadLimits(cfg.Engine.LimitsFile)
	if err != nil {
		return nil, err
	}
	cfg.Limits = limits

	return cfg, nil
}

func loadEngine(e *EngineConfig) error {
	var err error

	e.KeyPrefix = getEnvOrDefault("RATELIMIT_KEY_PREFIX", "rl:")
	e.LimitsFile = getEnvOrDefault("RATELIMIT_LIMITS_FILE", "")

	if e.StoreTimeout, err = getEnvAsDuration("RATELIMIT_STORE_TIMEOUT", 50*time.Millisecond); err != nil {
		return fmt.Errorf("invalid RATELIMIT_STORE_TIMEOUT: %w", err)
	}
	if e.DecisionTimeout, err = getEnvAsDuration("RATELIMIT_DECISION_TIMEOUT", 200*time.Millisecond); err != nil {
		return fmt.Errorf("invalid RATELIMIT_DECISION_TIMEOUT: %w", err)
	}
	if e.FallbackRemaining, err = getEnvAsInt("RATELIMIT_FALLBACK_REMAINING", 1000); err != nil {
		return fmt.Errorf("invalid RATELIMIT_FALLBACK_REMAINING: %w", err)
	}
	if e.LoadAdjust, err = getEnvAsBool("RATELIMIT_LOAD_ADJUST", true); err != nil {
		return fmt.Errorf("invalid RATELIMIT_LOAD_ADJUST: %w", err)
	}
	if e.LoadLatencyThreshold, err = getEnvAsDuration("RATELIMIT_LOAD_LATENCY_THRESHOLD", 100*time.Millisecond); err != nil {
		return fmt.Errorf("invalid RATELIMIT_LOAD_LATENCY_THRESHOLD: %w", err)
	}
	if e.LoadMemoryThreshold, err = getEnvAsFloat("RATELIMIT_LOAD_MEMORY_THRESHOLD", 0.9); err != nil {
		return fmt.Errorf("invalid RATELIMIT_LOAD_MEMORY_THRESHOLD: %w", err)
	}
	if e.LoadFactor, err = getEnvAsFloat("RATELIMIT_LOAD_FACTOR", 0.5); err != nil {
		return fmt.Errorf("invalid RATELIMIT_LOAD_FACTOR: %w", err)
	}
	if e.LoadFactor <= 0 || e.LoadFactor > 1 {
		return fmt.Errorf("invalid RATELIMIT_LOAD_FACTOR: must be in (0, 1], got %v", e.LoadFactor)
	}
	if e.GlobalFailClosedRPS, err = getEnvAsFloat("RATELIMIT_GLOBAL_FAIL_CLOSED_RPS", 0); err != nil {
		return fmt.Errorf("invalid RATELIMIT_GLOBAL_FAIL_CLOSED_RPS: %w", err)
	}

	return nil
}

func loadUsage(u *UsageConfig) error {
	var err error

	if u.Enabled, err = getEnvAsBool("USAGE_ENABLED", true); err != nil {
		return fmt.Errorf("invalid USAGE_ENABLED: %w", err)
	}
	if u.Buffer, err = getEnvAsInt("USAGE_BUFFER", 10000); err != nil {
		return fmt.Errorf("invalid USAGE_BUFFER: %w", err)
	}
	if u.BatchSize, err = getEnvAsInt("USAGE_BATCH_SIZE", 200); err != nil {
		return fmt.Errorf("invalid USAGE_BATCH_SIZE: %w", err)
	}
	if u.FlushInterval, err = getEnvAsDuration("USAGE_FLUSH_INTERVAL", time.Second); err != nil {
		return fmt.Errorf("invalid USAGE_FLUSH_INTERVAL: %w", err)
	}
	if u.Retention, err = getEnvAsDuration("USAGE_RETENTION", 30*24*time.Hour); err != nil {
		return fmt.Errorf("invalid USAGE_RETENTION: %w", err)
	}

	return nil
}

func loadIdentity(i *IdentityConfig) error {
	var err error

	if i.CacheTTL, err = getEnvAsDuration("IDENTITY_CACHE_TTL", 5*time.Minute); err != nil {
		return fmt.Errorf("invalid IDENTITY_CACHE_TTL: %w", err)
	}
	if i.VerifyTimeout, err = getEnvAsDuration("IDENTITY_VERIFY_TIMEOUT", 100*time.Millisecond); err != nil {
		return fmt.Errorf("invalid IDENTITY_VERIFY_TIMEOUT: %w", err)
	}
	i.APIKeyPrefix = getEnvOrDefault("API_KEY_PREFIX", "sk_")

	// IDENTITY_STATIC_TOKENS=token1=user1:premium,token2=user2:free
	i.StaticTokens = make(map[string]string)
	for _, pair := range getEnvAsList("IDENTITY_STATIC_TOKENS") {
		token, ident, ok := strings.Cut(pair, "=")
		if !ok || token == "" || ident == "" {
			return fmt.Errorf("invalid IDENTITY_STATIC_TOKENS entry %q", pair)
		}
		i.StaticTokens[token] = ident
	}

	return nil
}

func loadHTTP(h *HTTPConfig) error {
	var err error

	if h.TrustProxy, err = getEnvAsBool("TRUST_PROXY", false); err != nil {
		return fmt.Errorf("invalid TRUST_PROXY: %w", err)
	}
	h.TrustedProxies = getEnvAsList("TRUSTED_PROXIES")
	h.APIKeyHeader = getEnvOrDefault("API_KEY_HEADER", "X-API-Key")
	h.SessionHeader = getEnvOrDefault("SESSION_HEADER", "X-Session-ID")
	h.AdminToken = getEnvOrDefault("ADMIN_TOKEN", "")
	h.CheckToken = getEnvOrDefault("CHECK_TOKEN", "")

	return nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(valueStr)
}

// getEnvAsFloat returns the environment variable as a float64.
func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(valueStr, 64)
}

// getEnvAsBool returns the environment variable as a bool.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(valueStr)
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(valueStr)
}

// getEnvAsList splits a comma separated variable, dropping empty items.
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
