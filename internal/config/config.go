package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "REPORTS"

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config centralizes runtime settings for the API, workers and scheduler.
type Config struct {
	HTTP      HTTPConfig      `envconfig:"HTTP"`
	Log       LogConfig       `envconfig:"LOG"`
	Storage   StorageConfig   `envconfig:"STORAGE"`
	Pipeline  PipelineConfig  `envconfig:"PIPELINE"`
	Worker    WorkerConfig    `envconfig:"WORKER"`
	Data      DataConfig      `envconfig:"DATA"`
	Audit     AuditConfig     `envconfig:"AUDIT"`
	Retention RetentionConfig `envconfig:"RETENTION"`
}

type HTTPConfig struct {
	Port            int           `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`

	// JWTSecret enables bearer token identity. When empty the X-User-Id
	// header is trusted.
	JWTSecret      string   `envconfig:"JWT_SECRET"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	RateLimitRPS   float64  `envconfig:"RATE_LIMIT_RPS" default:"20" validate:"gte=0"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"40" validate:"gte=0"`
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`
}

type StorageConfig struct {
	Backend       string `envconfig:"BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" validate:"gte=0"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
}

type PipelineConfig struct {
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"24h" validate:"gt=0"`
	ProcessingTimeout time.Duration `envconfig:"PROCESSING_TIMEOUT" default:"30m" validate:"gt=0"`
}

type WorkerConfig struct {
	Enabled      bool          `envconfig:"ENABLED" default:"true"`
	Concurrency  int           `envconfig:"CONCURRENCY" default:"4" validate:"min=1,max=256"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"500ms" validate:"gt=0"`
	MaxBackoff   time.Duration `envconfig:"MAX_BACKOFF" default:"5s" validate:"gtefield=PollInterval"`
}

type DataConfig struct {
	PermissionsFile   string `envconfig:"PERMISSIONS_FILE" default:"config/permissions.yaml" validate:"required"`
	RelationshipsFile string `envconfig:"RELATIONSHIPS_FILE"`
	// FixturesFile seeds the in-memory fetcher; SchemaFile maps domains to
	// tables for the Postgres fetcher.
	FixturesFile string `envconfig:"FIXTURES_FILE"`
	SchemaFile   string `envconfig:"SCHEMA_FILE"`
}

type AuditConfig struct {
	KafkaBrokers []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string        `envconfig:"KAFKA_TOPIC" default:"report-audit"`
	Postgres     bool          `envconfig:"POSTGRES" default:"false"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s" validate:"gt=0"`
}

type RetentionConfig struct {
	Schedule string `envconfig:"SCHEDULE" default:"@every 1h"`
	// MaxAge of zero disables job cleanup.
	MaxAge time.Duration `envconfig:"MAX_AGE" default:"168h" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env.local and .env (process environment wins, then
// .env.local), applies REPORTS_* variables and validates the result. It
// also returns the dotenv files that were found.
func Load() (Config, []string, error) {
	loaded, err := LoadDotEnv(".env.local", ".env")
	if err != nil {
		return Config{}, nil, fmt.Errorf("load dotenv: %w", err)
	}
	cfg, err := FromEnv()
	return cfg, loaded, err
}

// FromEnv builds the config from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			parts := make([]string, 0, len(fieldErrors))
			for _, fieldError := range fieldErrors {
				parts = append(parts, fmt.Sprintf("%s: failed %s", fieldError.Namespace(), fieldError.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return errors.New("invalid config: redis backend requires REPORTS_STORAGE_REDIS_ADDR")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return errors.New("invalid config: postgres backend requires REPORTS_STORAGE_DATABASE_URL")
		}
	}
	if c.Audit.Postgres && strings.TrimSpace(c.Storage.DatabaseURL) == "" {
		return errors.New("invalid config: postgres audit sink requires REPORTS_STORAGE_DATABASE_URL")
	}
	return nil
}
