// Package config loads the gateway configuration: a YAML file with
// TRADEGATE_* environment overrides, plus the bare deployment variables
// most hosting platforms inject (PORT, DATABASE_URL, REDIS_URL,
// ML_SERVICE_URL, WEBHOOK_SECRET, APP_ENV).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; every field has a default so the gateway starts from
// environment variables alone.
type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	ML        MLConfig        `mapstructure:"ml"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Copy      CopyConfig      `mapstructure:"copy"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds the cache backend settings. An empty URL selects
// the in-process cache.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// MLConfig holds the signal-validation service settings. An empty URL
// disables validation entirely.
type MLConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig holds secret resolution settings. LegacySecret, when set,
// accepts the single master secret of pre-multi-tenant deployments and
// resolves it to LegacyUserID.
type AuthConfig struct {
	SecretTTL     time.Duration `mapstructure:"secret_ttl"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
	NegativeTTL   time.Duration `mapstructure:"negative_ttl"`
	LegacySecret  string        `mapstructure:"legacy_secret"`
	LegacyUserID  string        `mapstructure:"legacy_user_id"`
}

// RiskConfig points at the plan-policy file and tunes the counter cache.
type RiskConfig struct {
	PoliciesFile string        `mapstructure:"policies_file"`
	CounterTTL   time.Duration `mapstructure:"counter_ttl"`
}

// VenuesConfig points at the per-venue registry file.
type VenuesConfig struct {
	RegistryFile string `mapstructure:"registry_file"`
}

// DispatchConfig tunes the per-user intake limiter.
type DispatchConfig struct {
	UserRPS   float64 `mapstructure:"user_rps"`
	UserBurst int     `mapstructure:"user_burst"`
}

// CopyConfig tunes the follower fan-out pool.
type CopyConfig struct {
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReconcileConfig tunes the background sweep loop.
type ReconcileConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FullSweepEvery  int           `mapstructure:"full_sweep_every"`
	PendingLifetime time.Duration `mapstructure:"pending_lifetime"`
}

// AuditConfig tunes the asynchronous persistence sink.
type AuditConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig controls log output. Format is auto, json or console;
// auto picks console on a terminal and json otherwise.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.query_timeout", 5*time.Second)

	v.SetDefault("redis.url", "")

	v.SetDefault("ml.url", "")
	v.SetDefault("ml.timeout", 5*time.Second)

	v.SetDefault("auth.secret_ttl", 30*time.Second)
	v.SetDefault("auth.credential_ttl", 60*time.Second)
	v.SetDefault("auth.negative_ttl", 5*time.Second)
	v.SetDefault("auth.legacy_secret", "")
	v.SetDefault("auth.legacy_user_id", "")

	v.SetDefault("risk.policies_file", "")
	v.SetDefault("risk.counter_ttl", 30*time.Second)

	v.SetDefault("venues.registry_file", "")

	v.SetDefault("dispatch.user_rps", 5.0)
	v.SetDefault("dispatch.user_burst", 10)

	v.SetDefault("copy.workers", 4)
	v.SetDefault("copy.timeout", 30*time.Second)

	v.SetDefault("reconcile.interval", 30*time.Second)
	v.SetDefault("reconcile.full_sweep_every", 10)
	v.SetDefault("reconcile.pending_lifetime", time.Hour)

	v.SetDefault("audit.queue_size", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
}

// Load reads config from path with env var overrides. An empty path
// tries config.yaml in the working directory and falls back to pure
// defaults when the file is absent; a named file must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyPlatformEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformEnv layers the bare variables hosting platforms inject
// on top of the file and TRADEGATE_* values. They win: a deployment
// that sets DATABASE_URL means it.
func applyPlatformEnv(cfg *Config) {
	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Env = env
	}
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("ML_SERVICE_URL"); url != "" {
		cfg.ML.URL = url
	}
	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		cfg.Auth.LegacySecret = secret
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set DATABASE_URL)")
	}
	if c.ML.URL != "" && c.ML.Timeout <= 0 {
		return fmt.Errorf("ml.timeout must be > 0 when ml.url is set")
	}
	if c.Auth.LegacySecret != "" {
		if c.Auth.LegacyUserID == "" {
			return fmt.Errorf("auth.legacy_user_id is required when auth.legacy_secret is set")
		}
		if _, err := uuid.Parse(c.Auth.LegacyUserID); err != nil {
			return fmt.Errorf("auth.legacy_user_id is not a valid UUID")
		}
	}
	if c.Dispatch.UserRPS <= 0 {
		return fmt.Errorf("dispatch.user_rps must be > 0")
	}
	if c.Copy.Workers <= 0 {
		return fmt.Errorf("copy.workers must be > 0")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be > 0")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be > 0")
	}
	switch c.Logging.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("logging.format must be auto, json or console")
	}
	return nil
}

// LegacyUser returns the configured fallback identity, or uuid.Nil when
// legacy secret handling is off. Validate has already checked the parse.
func (c *Config) LegacyUser() uuid.UUID {
	if c.Auth.LegacySecret == "" || c.Auth.LegacyUserID == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(c.Auth.LegacyUserID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Production reports whether the gateway runs in a production
// environment.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}
