// Package config loads .phasegate/config.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/store"
	"github.com/msageha/phasegate/internal/tracing"
)

const (
	EnvPrefix         = "PHASEGATE_"
	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	Project    ProjectConfig    `koanf:"project" yaml:"project"`
	Store      store.Config     `koanf:"store" yaml:"store"`
	Dispatch   DispatchConfig   `koanf:"dispatch" yaml:"dispatch"`
	Phase      PhaseConfig      `koanf:"phase" yaml:"phase"`
	Classifier ClassifierConfig `koanf:"classifier" yaml:"classifier"`
	Notify     NotifyConfig     `koanf:"notify" yaml:"notify"`
	NATS       NATSConfig       `koanf:"nats" yaml:"nats"`
	Daemon     DaemonConfig     `koanf:"daemon" yaml:"daemon"`
	Logging    logging.Config   `koanf:"logging" yaml:"logging"`
	Tracing    tracing.Config   `koanf:"tracing" yaml:"tracing"`
	Audit      AuditConfig      `koanf:"audit" yaml:"audit"`
}

type ProjectConfig struct {
	Name string `koanf:"name" yaml:"name"`
}

type DispatchConfig struct {
	MaxConcurrency int           `koanf:"max_concurrency" yaml:"max_concurrency"`
	BackoffBase    time.Duration `koanf:"backoff_base" yaml:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max" yaml:"backoff_max"`
	DefaultTimeout time.Duration `koanf:"default_timeout" yaml:"default_timeout"`
	FailFast       bool          `koanf:"fail_fast" yaml:"fail_fast"`
}

type PhaseConfig struct {
	// MaxPhaseRetries bounds automatic retries after a gate failure and
	// rollback. Zero escalates on the first failure.
	MaxPhaseRetries int `koanf:"max_phase_retries" yaml:"max_phase_retries"`
}

type ClassifierConfig struct {
	RulesFile string `koanf:"rules_file" yaml:"rules_file"`
}

type NotifyConfig struct {
	Desktop            bool   `koanf:"desktop" yaml:"desktop"`
	Log                bool   `koanf:"log" yaml:"log"`
	RateLimitPerMinute int    `koanf:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	NATSSubject        string `koanf:"nats_subject" yaml:"nats_subject"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled" yaml:"enabled"`
	URL           string `koanf:"url" yaml:"url"`
	EventsSubject string `koanf:"events_subject" yaml:"events_subject"`
}

type DaemonConfig struct {
	ScanInterval    time.Duration `koanf:"scan_interval" yaml:"scan_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	MetricsAddr     string        `koanf:"metrics_addr" yaml:"metrics_addr"`
}

type AuditConfig struct {
	Path      string `koanf:"path" yaml:"path"`
	MaxSizeMB int    `koanf:"max_size_mb" yaml:"max_size_mb"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(c *Config) {
	if c.Project.Name == "" {
		c.Project.Name = "phasegate"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverFile
	}
	if c.Store.Path == "" {
		c.Store.Path = "state"
	}
	if c.Dispatch.MaxConcurrency == 0 {
		c.Dispatch.MaxConcurrency = 4
	}
	if c.Dispatch.BackoffBase == 0 {
		c.Dispatch.BackoffBase = time.Second
	}
	if c.Dispatch.BackoffMax == 0 {
		c.Dispatch.BackoffMax = 30 * time.Second
	}
	if c.Dispatch.DefaultTimeout == 0 {
		c.Dispatch.DefaultTimeout = 10 * time.Minute
	}
	if c.Classifier.RulesFile == "" {
		c.Classifier.RulesFile = "rules.yaml"
	}
	if c.Notify.RateLimitPerMinute == 0 {
		c.Notify.RateLimitPerMinute = 30
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.EventsSubject == "" {
		c.NATS.EventsSubject = "phasegate.events"
	}
	if c.Daemon.ScanInterval == 0 {
		c.Daemon.ScanInterval = 5 * time.Second
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "logs/audit.jsonl"
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 10
	}
}

func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverFile, store.DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be one of memory, file, sqlite", c.Store.Driver))
	}
	if c.Dispatch.MaxConcurrency < 1 {
		problems = append(problems, "dispatch.max_concurrency must be >= 1")
	}
	if c.Dispatch.BackoffBase < 0 || c.Dispatch.BackoffMax < 0 {
		problems = append(problems, "dispatch backoff durations must be >= 0")
	}
	if c.Dispatch.BackoffMax < c.Dispatch.BackoffBase {
		problems = append(problems, "dispatch.backoff_max must be >= dispatch.backoff_base")
	}
	if c.Dispatch.DefaultTimeout < 0 {
		problems = append(problems, "dispatch.default_timeout must be >= 0")
	}
	if c.Phase.MaxPhaseRetries < 0 {
		problems = append(problems, "phase.max_phase_retries must be >= 0")
	}
	if c.Notify.RateLimitPerMinute < 0 {
		problems = append(problems, "notify.rate_limit_per_minute must be >= 0")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats.enabled is true")
	}
	if c.Audit.MaxSizeMB < 0 {
		problems = append(problems, "audit.max_size_mb must be >= 0")
	}
	if err := c.Logging.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &model.ConfigurationError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

// Load reads the YAML file at path (missing is fine), applies PHASEGATE_*
// environment overrides, fills defaults and validates.
//
//	PHASEGATE_DISPATCH_MAX_CONCURRENCY -> dispatch.max_concurrency
//	PHASEGATE_NATS_URL                 -> nats.url
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readBounded(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, &model.ConfigurationError{Reason: fmt.Sprintf("config file %s exceeds %d bytes", path, maxConfigFileSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return data, nil
}

// Resolve makes relative file paths absolute against baseDir, the
// .phasegate directory.
func (c *Config) Resolve(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	if c.Store.Driver != store.DriverMemory {
		c.Store.Path = abs(c.Store.Path)
	}
	c.Classifier.RulesFile = abs(c.Classifier.RulesFile)
	c.Logging.File = abs(c.Logging.File)
	c.Tracing.File = abs(c.Tracing.File)
	c.Audit.Path = abs(c.Audit.Path)
}
