package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	Logger LoggerConfig

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// CatalogPath is an extra directory probed for catalog.yml.
	CatalogPath string

	Payment PaymentConfig
}

type LoggerConfig struct {
	Level  string
	Format string
}

// PaymentConfig controls the payment state machine, janitor and locker.
type PaymentConfig struct {
	// PluginTimeout bounds a single gateway plugin call.
	PluginTimeout time.Duration
	// PluginWorkers sizes the bounded pool running plugin calls.
	PluginWorkers int
	// LockTTL is the account lock lease duration.
	LockTTL time.Duration
	// LockRetries bounds lock acquisition attempts before failing the call.
	LockRetries int
	// LockRetryDelay is the pause between lock acquisition attempts.
	LockRetryDelay time.Duration
	// JanitorInterval drives the background reconciliation sweep.
	JanitorInterval time.Duration
	// JanitorGraceWindow is how long a PENDING transaction may sit before
	// the sweep abandons it as PLUGIN_FAILURE.
	JanitorGraceWindow time.Duration
	// JanitorGiveUpWindow is the horizon past which the janitor stops
	// re-querying the plugin for a transaction.
	JanitorGiveUpWindow time.Duration
	// RetryInterval drives the scheduled payment retry worker.
	RetryInterval time.Duration
	// RetryBatchSize bounds how many due retries one sweep claims.
	RetryBatchSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "billway"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		Logger: LoggerConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "json"),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billway"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		CatalogPath: getenv("CATALOG_CONFIG_PATH", ""),

		Payment: PaymentConfig{
			PluginTimeout:       getenvDuration("PAYMENT_PLUGIN_TIMEOUT", 30*time.Second),
			PluginWorkers:       getenvInt("PAYMENT_PLUGIN_WORKERS", 10),
			LockTTL:             getenvDuration("PAYMENT_LOCK_TTL", time.Minute),
			LockRetries:         getenvInt("PAYMENT_LOCK_RETRIES", 5),
			LockRetryDelay:      getenvDuration("PAYMENT_LOCK_RETRY_DELAY", 100*time.Millisecond),
			JanitorInterval:     getenvDuration("PAYMENT_JANITOR_INTERVAL", time.Minute),
			JanitorGraceWindow:  getenvDuration("PAYMENT_JANITOR_GRACE_WINDOW", 12*time.Hour),
			JanitorGiveUpWindow: getenvDuration("PAYMENT_JANITOR_GIVEUP_WINDOW", 30*24*time.Hour),
			RetryInterval:       getenvDuration("PAYMENT_RETRY_INTERVAL", time.Minute),
			RetryBatchSize:      getenvInt("PAYMENT_RETRY_BATCH_SIZE", 100),
		},
	}
}

// Module wires configuration for fx applications.
var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
