package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/allotment/pkg/db"
	"github.com/smallbiznis/allotment/pkg/lock"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMetricsEnabled  bool
	DBTracingEnabled  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode int64

	// EntitlerBulkSize bounds the number of pools or consumers handled per transaction block.
	EntitlerBulkSize int
	OwnerLockTTL     time.Duration

	UpstreamBaseURL string
	UpstreamToken   string
	UpstreamTimeout time.Duration

	// RefreshInterval is how stale an owner may get before the scheduler refreshes it.
	RefreshInterval time.Duration

	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	// SchedulerJobs restricts the scheduler to the named jobs; empty runs all of them.
	SchedulerJobs []string
}

const (
	ModeHosted     = "hosted"
	ModeStandalone = "standalone"
)

var Module = fx.Module("config",
	fx.Provide(
		Load,
		NewRulesHolder,
		func(c Config) db.Config { return c.Database() },
		func(c Config) lock.Config { return c.Lock() },
	),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "allotment"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Mode:              resolveMode(getenv("APP_MODE", ModeHosted), getenvBool("STANDALONE", false)),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "allotment"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBMetricsEnabled:  getenvBool("DATABASE_METRICS_ENABLED", true),
		DBTracingEnabled:  getenvBool("DATABASE_TRACING_ENABLED", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		EntitlerBulkSize:  getenvInt("ENTITLER_BULK_SIZE", 1000),
		OwnerLockTTL:      getenvDuration("OWNER_LOCK_TTL", 5*time.Minute),
		UpstreamBaseURL:   strings.TrimRight(strings.TrimSpace(getenv("UPSTREAM_BASE_URL", "")), "/"),
		UpstreamToken:     strings.TrimSpace(getenv("UPSTREAM_TOKEN", "")),
		UpstreamTimeout:   getenvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		RefreshInterval:   getenvDuration("REFRESH_INTERVAL", 24*time.Hour),
		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerJobs:     getenvList("SCHEDULER_JOBS"),
	}
}

func (c Config) IsStandalone() bool {
	return c.Mode == ModeStandalone
}

func (c Config) Database() db.Config {
	return db.Config{
		Type:            c.DBType,
		Host:            c.DBHost,
		Port:            c.DBPort,
		Name:            c.DBName,
		User:            c.DBUser,
		Password:        c.DBPassword,
		SSLMode:         c.DBSSLMode,
		MaxIdleConn:     c.DBMaxIdleConn,
		MaxOpenConn:     c.DBMaxOpenConn,
		ConnMaxLifetime: c.DBConnMaxLifetime,
		ConnMaxIdleTime: c.DBConnMaxIdleTime,
		SlowThreshold:   200 * time.Millisecond,
		MetricsEnabled:  c.DBMetricsEnabled,
		TracingEnabled:  c.DBTracingEnabled,
	}
}

func (c Config) Lock() lock.Config {
	return lock.Config{
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
	}
}

// resolveMode lets STANDALONE=true win over APP_MODE.
func resolveMode(raw string, standalone bool) string {
	if standalone {
		return ModeStandalone
	}
	return normalizeMode(raw)
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeStandalone:
		return ModeStandalone
	default:
		return ModeHosted
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
