package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Supervisor SupervisorConfig `yaml:"supervisor"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Health     HealthConfig     `yaml:"health"`
	API        APIConfig        `yaml:"api"`
	Store      StoreConfig      `yaml:"store"`
}

// SupervisorConfig drives the connect/retry/teardown timing.
type SupervisorConfig struct {
	MaxRetries        int           `yaml:"max_retries" default:"3"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"1500ms"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" default:"1"`
	SettleDelay       time.Duration `yaml:"settle_delay" default:"1s"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" default:"5s"`
	ReplaceDelay      time.Duration `yaml:"replace_delay" default:"500ms"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	TeardownTimeout   time.Duration `yaml:"teardown_timeout" default:"10s"`
	EventBuffer       int           `yaml:"event_buffer" default:"64"`
}

type BufferConfig struct {
	DebounceInterval time.Duration `yaml:"debounce_interval" default:"20ms"`
}

type HealthConfig struct {
	Interval              time.Duration `yaml:"interval" default:"60s"`
	BatteryAlertThreshold int           `yaml:"battery_alert_threshold" default:"20"`
	BatteryAlertCooldown  time.Duration `yaml:"battery_alert_cooldown" default:"30m"`
}

// APIConfig enables the REST bridge when Listen is set, e.g. "127.0.0.1:8080".
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig enables the SQLite sink when Path is set.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	s := c.Supervisor
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_retries must be >= 0, got %d", s.MaxRetries))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("supervisor.backoff_multiplier must be >= 1, got %g", s.BackoffMultiplier))
	}
	if s.ConnectTimeout <= 0 || s.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("supervisor timeouts must be positive"))
	}
	if s.RetryDelay < 0 || s.SettleDelay < 0 || s.ReconnectDelay < 0 || s.ReplaceDelay < 0 {
		errs = append(errs, errors.New("supervisor delays must not be negative"))
	}
	if s.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.event_buffer must be > 0, got %d", s.EventBuffer))
	}
	if c.Buffer.DebounceInterval < 0 {
		errs = append(errs, errors.New("buffer.debounce_interval must not be negative"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Health.BatteryAlertThreshold < 0 || c.Health.BatteryAlertThreshold > 100 {
		errs = append(errs, fmt.Errorf("health.battery_alert_threshold must be within 0..100, got %d", c.Health.BatteryAlertThreshold))
	}

	return errors.Join(errs...)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
