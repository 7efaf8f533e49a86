package stats

import (
	"errors"
	"time"
)

// Config configures the aggregator.
type Config struct {
	// LockTimeout bounds how long Record and Snapshot wait for the
	// stats table. Zero waits until the caller's context is done.
	// Defaults to 1s.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// RejectNegativeDurations turns negative durations into parse errors.
	// Off by default: negative values are accepted and averaged.
	RejectNegativeDurations bool `yaml:"reject_negative_durations"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout: time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LockTimeout < 0 {
		return errors.New("lock_timeout must not be negative")
	}

	return nil
}
