package service

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/actionstats/internal/export"
	"github.com/ethpandaops/actionstats/internal/ingest"
	"github.com/ethpandaops/actionstats/internal/publish"
	"github.com/ethpandaops/actionstats/internal/stats"
)

// Config is the top-level configuration for the actionstats service.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn warning error"`

	// Stats configures the aggregator.
	Stats stats.Config `yaml:"stats"`

	// Ingest configures the HTTP ingest server.
	Ingest ingest.Config `yaml:"ingest"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// Publish configures periodic snapshot export.
	Publish publish.Config `yaml:"publish"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Stats:    stats.DefaultConfig(),
		Ingest:   ingest.DefaultConfig(),
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		Publish: publish.DefaultConfig(),
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks struct tags first, then each component's own rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.Stats.Validate(); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if err := c.Publish.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))

	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", e.Namespace()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", e.Namespace(), e.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag()))
		}
	}

	return errors.New(strings.Join(messages, "; "))
}
