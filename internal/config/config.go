package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	// LockPostgres keeps locks in the configured store, which is the
	// in-process map under the memory driver.
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	StoreDriver string `yaml:"store_driver"`
	LockBackend string `yaml:"lock_backend"`
	InstanceID  string `yaml:"instance_id"`
	NumWorkers  int    `yaml:"num_workers"`

	LockTTL             time.Duration `yaml:"lock_ttl"`
	LockRefreshInterval time.Duration `yaml:"lock_refresh_interval"`

	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	PairingTimeout       time.Duration `yaml:"pairing_timeout"`

	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
	OutboxInterval     time.Duration `yaml:"outbox_interval"`
	OutboxMaxRetries   int           `yaml:"outbox_max_retries"`
	InlineDispatch     bool          `yaml:"inline_dispatch"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`
	ReconcileLookback  time.Duration `yaml:"reconcile_lookback"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

func defaults() Config {
	return Config{
		Port:                 "8080",
		StoreDriver:          StorePostgres,
		LockBackend:          LockPostgres,
		NumWorkers:           50,
		LockTTL:              5 * time.Minute,
		LockRefreshInterval:  time.Minute,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   2 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		PairingTimeout:       30 * time.Second,
		SupervisorInterval:   3 * time.Second,
		OutboxInterval:       3 * time.Second,
		OutboxMaxRetries:     5,
		InlineDispatch:       true,
		ReconcileInterval:    time.Second,
		ReconcileLookback:    10 * time.Minute,
		LogLevel:             "info",
	}
}

// Load reads the optional YAML file named by CONFIG_FILE and then applies
// environment variables on top of it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.LockBackend = getEnv("LOCK_BACKEND", cfg.LockBackend)
	cfg.InstanceID = getEnv("INSTANCE_ID", cfg.InstanceID)
	cfg.NumWorkers = getEnvInt("NUM_WORKERS", cfg.NumWorkers)
	cfg.LockTTL = getEnvDuration("LOCK_TTL", cfg.LockTTL)
	cfg.LockRefreshInterval = getEnvDuration("LOCK_REFRESH_INTERVAL", cfg.LockRefreshInterval)
	cfg.MaxReconnectAttempts = getEnvInt("MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	cfg.ReconnectBaseDelay = getEnvDuration("RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay)
	cfg.ReconnectMaxDelay = getEnvDuration("RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	cfg.PairingTimeout = getEnvDuration("PAIRING_TIMEOUT", cfg.PairingTimeout)
	cfg.SupervisorInterval = getEnvDuration("SUPERVISOR_INTERVAL", cfg.SupervisorInterval)
	cfg.OutboxInterval = getEnvDuration("OUTBOX_INTERVAL", cfg.OutboxInterval)
	cfg.OutboxMaxRetries = getEnvInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)
	cfg.InlineDispatch = getEnvBool("INLINE_DISPATCH", cfg.InlineDispatch)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.ReconcileLookback = getEnvDuration("RECONCILE_LOOKBACK", cfg.ReconcileLookback)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.LockBackend {
	case LockPostgres, LockRedis:
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.LockRefreshInterval >= c.LockTTL {
		return fmt.Errorf("LOCK_REFRESH_INTERVAL (%s) must be shorter than LOCK_TTL (%s)", c.LockRefreshInterval, c.LockTTL)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fleetd"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}
