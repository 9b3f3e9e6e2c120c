// Package config loads the service configuration: one YAML file selected
// explicitly or through CONFIG_PATH, environment overrides under the BARAN_
// prefix, and defaults for everything else. Data files (backend fleet,
// workflow templates, classifier rules) are referenced by path here and
// loaded by the packages that own their formats.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where Load looks when neither the caller nor CONFIG_PATH
// names a file. A missing file at this path is not an error; defaults and
// environment overrides apply.
const DefaultPath = "config/baran.yaml"

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Health     HealthConfig     `mapstructure:"health"`
	Router     RouterConfig     `mapstructure:"router"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Backends   BackendsConfig   `mapstructure:"backends"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Reload     ReloadConfig     `mapstructure:"reload"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// HealthConfig controls the backend liveness monitor.
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	ProbePaths       []string      `mapstructure:"probe_paths"`
}

// RouterConfig controls routing behavior. Scoring weights are fixed in
// code; only the feedback window is operator-tunable.
type RouterConfig struct {
	WindowSize int `mapstructure:"window_size"`
}

// ExecutorConfig controls workflow execution.
type ExecutorConfig struct {
	Workers             int           `mapstructure:"workers"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseTimeout         time.Duration `mapstructure:"base_timeout"`
	TimeoutMultiplier   float64       `mapstructure:"timeout_multiplier"`
	MinTimeout          time.Duration `mapstructure:"min_timeout"`
	HistoryLimit        int           `mapstructure:"history_limit"`
	DefaultBudgetFactor float64       `mapstructure:"default_budget_factor"`
}

// ClassifierConfig points at the rules file. Empty means built-in rules.
type ClassifierConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// TemplatesConfig points at the workflow template directory.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// BackendsConfig points at the backend fleet file.
type BackendsConfig struct {
	Path string `mapstructure:"path"`
}

// BreakerConfig controls the per-backend circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	MaxProbes        int           `mapstructure:"max_probes"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ResetInterval    time.Duration `mapstructure:"reset_interval"`
}

// ArchiveConfig selects and tunes the run archive.
type ArchiveConfig struct {
	// Driver is one of "none", "redis", "postgres".
	Driver       string                `mapstructure:"driver"`
	QueueSize    int                   `mapstructure:"queue_size"`
	Workers      int                   `mapstructure:"workers"`
	WriteTimeout time.Duration         `mapstructure:"write_timeout"`
	Redis        RedisArchiveConfig    `mapstructure:"redis"`
	Postgres     PostgresArchiveConfig `mapstructure:"postgres"`
}

// RedisArchiveConfig tunes the Redis archive store.
type RedisArchiveConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	TTL         time.Duration `mapstructure:"ttl"`
	RecentLimit int           `mapstructure:"recent_limit"`
}

// PostgresArchiveConfig tunes the Postgres archive store.
type PostgresArchiveConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StreamingConfig tunes the event stream.
type StreamingConfig struct {
	ReplayCapacity int `mapstructure:"replay_capacity"`
}

// ReloadConfig controls hot reload of the classifier rules file and the
// template directory. Backend topology never reloads.
type ReloadConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Load reads the configuration file, applies BARAN_* environment overrides,
// and validates the result. An empty path falls back to CONFIG_PATH, then
// to DefaultPath; only the DefaultPath fallback tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BARAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.graceful_timeout", "10s")

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "3s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.max_concurrent", 8)

	v.SetDefault("router.window_size", 50)

	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.max_retries", 2)
	v.SetDefault("executor.base_timeout", "30s")
	v.SetDefault("executor.timeout_multiplier", 3.0)
	v.SetDefault("executor.min_timeout", "1s")
	v.SetDefault("executor.history_limit", 128)
	v.SetDefault("executor.default_budget_factor", 1.0)

	v.SetDefault("classifier.rules_path", "")
	v.SetDefault("templates.dir", "config/templates")
	v.SetDefault("backends.path", "config/backends.yaml")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.max_probes", 3)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("breaker.reset_interval", "60s")

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.queue_size", 256)
	v.SetDefault("archive.workers", 2)
	v.SetDefault("archive.write_timeout", "5s")
	v.SetDefault("archive.redis.addr", "localhost:6379")
	v.SetDefault("archive.redis.db", 0)
	v.SetDefault("archive.redis.ttl", "168h")
	v.SetDefault("archive.redis.recent_limit", 100)
	v.SetDefault("archive.postgres.max_open_conns", 8)
	v.SetDefault("archive.postgres.max_idle_conns", 4)
	v.SetDefault("archive.postgres.conn_max_lifetime", "30m")

	v.SetDefault("streaming.replay_capacity", 256)

	v.SetDefault("reload.enabled", true)
	v.SetDefault("reload.debounce", "100ms")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "baran")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Validate collects every defect in one pass so operators fix a bad file
// once, not field by field.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d is outside 1-65535", c.Server.Port)
	}
	if c.Health.Interval < 0 {
		add("health.interval must not be negative")
	}
	if c.Health.FailureThreshold < 0 {
		add("health.failure_threshold must not be negative")
	}
	if c.Executor.Workers < 0 {
		add("executor.workers must not be negative")
	}
	if c.Executor.MaxRetries < 0 {
		add("executor.max_retries must not be negative")
	}
	if c.Executor.DefaultBudgetFactor < 0 {
		add("executor.default_budget_factor must not be negative")
	}
	if c.Executor.TimeoutMultiplier < 0 {
		add("executor.timeout_multiplier must not be negative")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 || c.Breaker.MaxProbes < 0 {
		add("breaker thresholds must not be negative")
	}
	if c.Templates.Dir == "" {
		add("templates.dir is required")
	}
	if c.Backends.Path == "" {
		add("backends.path is required")
	}

	switch c.Archive.Driver {
	case "none", "redis", "postgres":
	default:
		add("archive.driver %q is not one of none, redis, postgres", c.Archive.Driver)
	}
	if c.Archive.Driver == "redis" && c.Archive.Redis.Addr == "" {
		add("archive.redis.addr is required when archive.driver is redis")
	}
	if c.Archive.Driver == "postgres" && c.Archive.Postgres.DSN == "" {
		add("archive.postgres.dsn is required when archive.driver is postgres")
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("%d config issue(s): %s", len(issues), strings.Join(issues, "; "))
}
