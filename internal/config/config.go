package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig

	Ledger    LedgerConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LedgerConfig controls the session and usage ledger.
type LedgerConfig struct {
	// StoreBackend selects the key-value backend: "sql" or "redis".
	StoreBackend    string
	SessionTTLDays  int
	SessionCacheTTL time.Duration
	SweepInterval   time.Duration
}

type QuotaConfig struct {
	TiersFile         string
	ReconcileInterval time.Duration
	ReconcileEnabled  bool
	ResetLockTTL      time.Duration
}

type RateLimitConfig struct {
	Enabled     bool
	TenantRate  float64
	TenantBurst int
}

const (
	StoreBackendSQL   = "sql"
	StoreBackendRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "chatledger"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("NODE_ID", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "chatledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "chatledger.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Ledger: LedgerConfig{
			StoreBackend:    normalizeBackend(getenv("LEDGER_STORE_BACKEND", StoreBackendSQL)),
			SessionTTLDays:  getenvInt("SESSION_TTL_DAYS", 30),
			SessionCacheTTL: getenvDuration("SESSION_CACHE_TTL", 5*time.Minute),
			SweepInterval:   getenvDuration("LEDGER_SWEEP_INTERVAL", time.Hour),
		},
		Quota: QuotaConfig{
			TiersFile:         strings.TrimSpace(getenv("QUOTA_TIERS_FILE", "")),
			ReconcileInterval: getenvDuration("QUOTA_RECONCILE_INTERVAL", 10*time.Minute),
			ReconcileEnabled:  getenvBool("QUOTA_RECONCILE_ENABLED", true),
			ResetLockTTL:      getenvDuration("QUOTA_RESET_LOCK_TTL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			TenantRate:  getenvFloat("RATE_LIMIT_TENANT_RATE", 5),
			TenantBurst: getenvInt("RATE_LIMIT_TENANT_BURST", 20),
		},
	}

	return cfg
}

// SessionTTL is the retention window applied to new sessions.
func (c Config) SessionTTL() time.Duration {
	days := c.Ledger.SessionTTLDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreBackendRedis:
		return StoreBackendRedis
	default:
		return StoreBackendSQL
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s", "5m") or bare seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
