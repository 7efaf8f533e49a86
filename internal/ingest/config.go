package ingest

import "errors"

// Config configures the ingest HTTP server.
type Config struct {
	// Addr is the listen address. Defaults to ":8080".
	Addr string `yaml:"addr" validate:"required"`

	// MaxBodyBytes caps a request body, after decompression.
	// Defaults to 1MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		MaxBodyBytes: 1 << 20,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Addr == "" {
		c.Addr = defaults.Addr
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}

	return nil
}
