package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"overseer/internal/core/errors"
)

// Config represents one loaded configuration file: the service graph plus
// process-wide settings.
type Config struct {
	Services map[string]*Service `yaml:"services"`
	Defaults *ServiceDefaults    `yaml:"defaults"`
	Logging  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Concurrency struct {
		Workers int `yaml:"workers"`
	}
	Retry struct {
		Attempts int           `yaml:"attempts"`
		Backoff  time.Duration `yaml:"backoff"`
	}
	Logs struct {
		Buffer int `yaml:"buffer"`
	}
	Version int
}

// Service is one service declaration as it appears in the configuration
// file, before the configuration registry assigns it an ID and resolves its
// dependency names to IDs.
type Service struct {
	// Name is filled in from the map key after unmarshalling, not from YAML.
	Name string `yaml:"-"`

	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	WorkingDir  string            `yaml:"working_dir" mapstructure:"working_dir"`
	Description string            `yaml:"description"`
	Env         map[string]string `yaml:"env"`
	EnvFile     string            `yaml:"env_file" mapstructure:"env_file"`
	DependsOn   []string          `yaml:"depends_on" mapstructure:"depends_on"`
	AutoRestart bool              `yaml:"auto_restart" mapstructure:"auto_restart"`
	Stdout      string            `yaml:"stdout"`
	Stderr      string            `yaml:"stderr"`
	Readiness   *Readiness        `yaml:"readiness"`
	Watch       *Watch            `yaml:"watch"`
}

// Readiness represents readiness check configuration for a service
type Readiness struct {
	Type     string        `yaml:"type"`
	Address  string        `yaml:"address"`
	URL      string        `yaml:"url"`
	Pattern  string        `yaml:"pattern"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// Watch represents file watch configuration for hot-reload
type Watch struct {
	Include  []string      `yaml:"include"`
	Ignore   []string      `yaml:"ignore"`
	Shared   []string      `yaml:"shared"`
	Debounce time.Duration `yaml:"debounce"`
}

// ServiceDefaults represents default configuration applied to every service
// that doesn't set the corresponding field explicitly.
type ServiceDefaults struct {
	AutoRestart bool       `yaml:"auto_restart" mapstructure:"auto_restart"`
	Readiness   *Readiness `yaml:"readiness"`
}

// DefaultConfig returns an empty, valid configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Services: make(map[string]*Service),
		Version:  1,
	}

	cfg.Logging.Level = LogLevel
	cfg.Logging.Format = LogFormat

	cfg.Concurrency.Workers = MaxWorkers

	cfg.Retry.Attempts = RetryAttempts
	cfg.Retry.Backoff = RetryBackoff

	cfg.Logs.Buffer = EventBusBuffer

	return cfg
}

// Load reads and validates the configuration at path. A missing file is not
// an error: it yields the default (empty) configuration, matching how the
// supervisor behaves with zero services loaded.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigFile
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("%w: %w", errors.ErrFailedToReadConfig, err)
	}

	return Parse(data, cfg)
}

// Parse decodes YAML config bytes into cfg (or a fresh DefaultConfig if nil),
// applies defaults, fills in service names, and validates the result.
func Parse(data []byte, cfg *Config) (*Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrFailedToReadConfig, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrFailedToParseConfig, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.KindInvalidConfig, err)
	}

	return cfg, nil
}

// ApplyDefaults fills in per-service defaults and the Name field derived
// from the map key.
func (c *Config) ApplyDefaults() {
	for name, service := range c.Services {
		service.Name = name

		if c.Defaults != nil {
			if c.Defaults.Readiness != nil && service.Readiness == nil {
				readiness := *c.Defaults.Readiness
				service.Readiness = &readiness
			}

			if c.Defaults.AutoRestart && !service.AutoRestart {
				service.AutoRestart = true
			}
		}
	}
}

// Validate checks structural invariants that are cheap to check before the
// configuration registry does dependency resolution.
func (c *Config) Validate() error {
	if err := c.validateConcurrency(); err != nil {
		return err
	}

	if err := c.validateRetry(); err != nil {
		return err
	}

	for name, service := range c.Services {
		if service.Command == "" {
			return fmt.Errorf("service %s: %w", name, errors.ErrMissingCommand)
		}

		if err := service.validateReadiness(); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}

		if err := service.validateWatch(); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}

		for _, dep := range service.DependsOn {
			if _, ok := c.Services[dep]; !ok {
				return fmt.Errorf("service %s: %w: %s", name, errors.ErrUnresolvedDependency, dep)
			}
		}
	}

	return nil
}

func (c *Config) validateConcurrency() error {
	if c.Concurrency.Workers <= 0 {
		return errors.ErrInvalidConcurrencyWorkers
	}

	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.Attempts <= 0 {
		return errors.ErrInvalidRetryAttempts
	}

	if c.Retry.Backoff < 0 {
		return errors.ErrInvalidRetryBackoff
	}

	return nil
}

// validateReadiness validates the readiness configuration
func (s *Service) validateReadiness() error {
	if s.Readiness == nil {
		return nil
	}

	r := s.Readiness

	switch r.Type {
	case TypeHTTP:
		if r.URL == "" {
			return errors.ErrReadinessURLRequired
		}
	case TypeTCP:
		if r.Address == "" {
			return errors.ErrReadinessAddressRequired
		}
	case TypeLog:
		if r.Pattern == "" {
			return errors.ErrReadinessPatternRequired
		}
	case "":
		return errors.ErrReadinessTypeRequired
	default:
		return fmt.Errorf("%w: '%s' (must be 'http', 'tcp', or 'log')", errors.ErrInvalidReadinessType, r.Type)
	}

	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}

	if r.Interval == 0 {
		r.Interval = DefaultInterval
	}

	return nil
}

// validateWatch validates the watch configuration
func (s *Service) validateWatch() error {
	if s.Watch == nil {
		return nil
	}

	if len(s.Watch.Include) == 0 {
		return errors.ErrWatchIncludeRequired
	}

	if s.Watch.Debounce == 0 {
		s.Watch.Debounce = WatchDebounce
	}

	return nil
}
