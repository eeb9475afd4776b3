package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Events    EventsConfig    `mapstructure:"events"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Stream    StreamConfig    `mapstructure:"stream"`

	// GeneratedSecret is set when no signing secret was configured and a
	// random per-process one was created instead
	GeneratedSecret bool `mapstructure:"-"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	EmbeddedWorkers bool          `mapstructure:"embedded_workers"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the job store. postgres:// and sqlite:// URLs are supported.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig selects the work queue backend
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"` // memory | sql
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WorkersConfig controls the dispatcher
type WorkersConfig struct {
	Count       int           `mapstructure:"count"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	Grace       time.Duration `mapstructure:"grace"`
	WorkDir     string        `mapstructure:"work_dir"`
	ReapEvery   time.Duration `mapstructure:"reap_every"`
	ScratchTTL  time.Duration `mapstructure:"scratch_ttl"`
	RecoverJobs bool          `mapstructure:"recover_jobs"`
}

// EventsConfig selects the event log backend
type EventsConfig struct {
	Backend    string `mapstructure:"backend"` // memory | sql | badger
	MaxPerJob  int    `mapstructure:"max_per_job"`
	BadgerPath string `mapstructure:"badger_path"`
}

// ArtifactsConfig controls artifact storage and reclamation
type ArtifactsConfig struct {
	Backend             string        `mapstructure:"backend"` // fs | s3
	Dir                 string        `mapstructure:"dir"`
	TTL                 time.Duration `mapstructure:"ttl"`
	MaxBytes            int64         `mapstructure:"max_bytes"`
	SweepSchedule       string        `mapstructure:"sweep_schedule"`
	AccelRedirectPrefix string        `mapstructure:"accel_redirect_prefix"`
	OwnerUID            int           `mapstructure:"owner_uid"`
	OwnerGID            int           `mapstructure:"owner_gid"`
	S3                  S3Config      `mapstructure:"s3"`
}

// S3Config configures the S3 artifact backend
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// SigningConfig controls signed download links
type SigningConfig struct {
	Secret     string        `mapstructure:"secret"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
}

// ProvidersConfig points at the provider catalog
type ProvidersConfig struct {
	Catalog string `mapstructure:"catalog"`
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// StreamConfig controls event streaming connections
type StreamConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// legacyEnv maps environment variable names used by earlier deployments to config keys
var legacyEnv = map[string]string{
	"database.url":                    "DATABASE_URL",
	"signing.secret":                  "SECRET_KEY",
	"artifacts.dir":                   "ARTIFACTS_DIR",
	"artifacts.owner_uid":             "ARTIFACTS_OWNER_UID",
	"artifacts.owner_gid":             "ARTIFACTS_OWNER_GID",
	"artifacts.accel_redirect_prefix": "X_ACCEL_REDIRECT_PREFIX",
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.embedded_workers", true)

	v.SetDefault("database.url", "sqlite://flaccy.db")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_interval", "1s")

	v.SetDefault("workers.count", 2)
	v.SetDefault("workers.job_timeout", "2h")
	v.SetDefault("workers.grace", "30s")
	v.SetDefault("workers.work_dir", "")
	v.SetDefault("workers.reap_every", "5m")
	v.SetDefault("workers.scratch_ttl", "6h")
	v.SetDefault("workers.recover_jobs", true)

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.max_per_job", 1000)
	v.SetDefault("events.badger_path", "data/events")

	v.SetDefault("artifacts.backend", "fs")
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.ttl", "24h")
	v.SetDefault("artifacts.max_bytes", int64(20)*1024*1024*1024)
	v.SetDefault("artifacts.sweep_schedule", "@every 15m")
	v.SetDefault("artifacts.accel_redirect_prefix", "")
	v.SetDefault("artifacts.owner_uid", -1)
	v.SetDefault("artifacts.owner_gid", -1)
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "artifacts/")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.use_path_style", false)

	v.SetDefault("signing.secret", "")
	v.SetDefault("signing.default_ttl", "30m")
	v.SetDefault("signing.max_ttl", "24h")

	v.SetDefault("providers.catalog", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("stream.poll_interval", "500ms")
	v.SetDefault("stream.heartbeat_interval", "15s")
}

// Load loads configuration from defaults, an optional YAML file and the environment
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("FLACCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "FLACCY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Signing.Secret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Signing.Secret = secret
		cfg.GeneratedSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option combinations that cannot work together
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory", "sql":
	default:
		return fmt.Errorf("queue.backend must be memory or sql, got %q", c.Queue.Backend)
	}
	switch c.Events.Backend {
	case "memory", "sql", "badger":
	default:
		return fmt.Errorf("events.backend must be memory, sql or badger, got %q", c.Events.Backend)
	}
	switch c.Artifacts.Backend {
	case "fs":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("artifacts.backend must be fs or s3, got %q", c.Artifacts.Backend)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if c.Workers.JobTimeout <= 0 {
		return fmt.Errorf("workers.job_timeout must be positive")
	}
	// A scratch directory may only be reaped once no worker can still be writing to it
	if c.Workers.ScratchTTL > 0 && c.Workers.ScratchTTL <= c.Workers.JobTimeout+c.Workers.Grace {
		return fmt.Errorf("workers.scratch_ttl (%s) must exceed workers.job_timeout plus workers.grace (%s)",
			c.Workers.ScratchTTL, c.Workers.JobTimeout+c.Workers.Grace)
	}
	if c.Events.MaxPerJob < 1 {
		return fmt.Errorf("events.max_per_job must be at least 1")
	}
	if c.Signing.MaxTTL > 0 && c.Signing.DefaultTTL > c.Signing.MaxTTL {
		return fmt.Errorf("signing.default_ttl exceeds signing.max_ttl")
	}
	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
