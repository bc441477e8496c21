// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SHAREDPAGES_SERVER_PORT.
const EnvPrefix = "SHAREDPAGES"

// Backend names accepted by the pluggable sections.
const (
	BackendNone     = "none"
	BackendNoop     = "noop"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Linker    LinkerConfig    `mapstructure:"linker"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// CacheConfig selects the lookup cache.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	AccessTTL time.Duration `mapstructure:"access_ttl"`
	// PurgeInterval is how often the memory backend drops expired entries.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistryConfig tunes the liveness sweeper.
type RegistryConfig struct {
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize  int           `mapstructure:"sweep_batch_size"`
}

// LinkerConfig tunes association writes.
type LinkerConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// DispatchConfig selects where scheduled fetches go.
type DispatchConfig struct {
	Backend    string       `mapstructure:"backend"`
	QueueDepth int          `mapstructure:"queue_depth"`
	PubSub     PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds the topic fetch requests are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// WorkerConfig controls the in-process snapshot workers.
type WorkerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Concurrency    int           `mapstructure:"concurrency"`
	ArchiveBaseURL string        `mapstructure:"archive_base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RatePerHost    float64       `mapstructure:"rate_per_host"`
	BurstPerHost   int           `mapstructure:"burst_per_host"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// StorageConfig sets where snapshot bodies are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// TelemetryConfig controls trace export.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	// GCPProjectID enables export to Cloud Trace when set.
	GCPProjectID string  `mapstructure:"gcp_project_id"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory, when present, seeds the environment first; variables already
// set win.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(path)
}

// LoadWithEnvFile is Load with an explicit dotenv file.
func LoadWithEnvFile(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return load(path)
}

func load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.access_ttl", 5*time.Minute)
	v.SetDefault("cache.purge_interval", time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("registry.liveness_timeout", 30*time.Minute)
	v.SetDefault("registry.sweep_interval", time.Minute)
	v.SetDefault("registry.sweep_batch_size", 500)
	v.SetDefault("linker.batch_size", 500)
	v.SetDefault("dispatch.backend", BackendMemory)
	v.SetDefault("dispatch.queue_depth", 1024)
	v.SetDefault("dispatch.pubsub.project_id", "")
	v.SetDefault("dispatch.pubsub.topic", "")
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.archive_base_url", "https://web.archive.org/web")
	v.SetDefault("worker.user_agent", "sharedpages-bot/0.1")
	v.SetDefault("worker.timeout", 30*time.Second)
	v.SetDefault("worker.rate_per_host", 1.0)
	v.SetDefault("worker.burst_per_host", 1)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_initial", 500*time.Millisecond)
	v.SetDefault("worker.backoff_max", 30*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.base_dir", "data/pages")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("telemetry.service_name", "sharedpages")
	v.SetDefault("telemetry.gcp_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q must be memory or postgres", c.Database.Backend)
	}
	switch c.Cache.Backend {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend %q must be none, memory or redis", c.Cache.Backend)
	}
	if c.Registry.LivenessTimeout <= 0 {
		return fmt.Errorf("registry.liveness_timeout must be > 0")
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be > 0")
	}
	if c.Linker.BatchSize <= 0 {
		return fmt.Errorf("linker.batch_size must be > 0")
	}
	switch c.Dispatch.Backend {
	case BackendNoop:
	case BackendMemory:
		if c.Dispatch.QueueDepth <= 0 {
			return fmt.Errorf("dispatch.queue_depth must be > 0")
		}
	case BackendPubSub:
		if c.Dispatch.PubSub.ProjectID == "" || c.Dispatch.PubSub.Topic == "" {
			return fmt.Errorf("dispatch.pubsub.project_id and dispatch.pubsub.topic must be set")
		}
	default:
		return fmt.Errorf("dispatch.backend %q must be noop, memory or pubsub", c.Dispatch.Backend)
	}
	if c.WorkersEnabled() {
		if c.Worker.Concurrency <= 0 {
			return fmt.Errorf("worker.concurrency must be > 0")
		}
		if c.Worker.MaxAttempts <= 0 {
			return fmt.Errorf("worker.max_attempts must be > 0")
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// WorkersEnabled reports whether in-process workers consume the memory queue.
// Other dispatch backends hand work to an external fetcher.
func (c Config) WorkersEnabled() bool {
	return c.Worker.Enabled && c.Dispatch.Backend == BackendMemory
}

// ListenAddr is the HTTP listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

