package publish

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	httpexport "github.com/ethpandaops/actionstats/internal/export/http"
)

// Config configures periodic snapshot publishing.
type Config struct {
	// Enabled turns on the publisher.
	Enabled bool `yaml:"enabled"`

	// Interval is how often a snapshot is taken and published.
	// Defaults to 10s.
	Interval time.Duration `yaml:"interval"`

	// InstanceName is attached to every published row and batch.
	InstanceName string `yaml:"instance_name"`

	// Collector configures where snapshot rows are delivered.
	Collector CollectorConfig `yaml:"collector"`
}

// CollectorConfig configures delivery of snapshot rows to an HTTP collector
// such as Vector.
type CollectorConfig struct {
	// Address is the http(s) endpoint rows are posted to as NDJSON.
	Address string `yaml:"address"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Compression is one of none, gzip, zstd, zlib, snappy.
	// Defaults to gzip.
	Compression string `yaml:"compression"`

	// BatchSize is the maximum number of rows per request.
	// Defaults to 512.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is how long rows may wait before a partial batch is sent.
	// Defaults to 5s.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// ExportTimeout bounds one batch, retries included.
	// Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxQueueSize is the number of rows buffered ahead of the collector.
	// Rows are dropped once it is full. Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent senders. Defaults to 1.
	Workers int `yaml:"workers"`

	// KeepAlive enables HTTP keep-alive connections. Defaults to true.
	KeepAlive *bool `yaml:"keep_alive"`

	// MaxRetries is how often a batch is resent after the collector
	// answers 429, 502, 503 or 504, or cannot be reached. Zero disables
	// retries. Defaults to 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the base delay between resends, multiplied by the
	// attempt number. A longer Retry-After from the collector wins.
	// Defaults to 500ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  10 * time.Second,
		Collector: DefaultCollectorConfig(),
	}
}

// DefaultCollectorConfig returns a CollectorConfig with sensible defaults.
func DefaultCollectorConfig() CollectorConfig {
	keepAlive := true

	return CollectorConfig{
		Compression:   httpexport.CompressionGzip,
		BatchSize:     512,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
		MaxQueueSize:  51200,
		Workers:       1,
		KeepAlive:     &keepAlive,
		MaxRetries:    3,
		RetryBackoff:  500 * time.Millisecond,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultConfig().Interval
	}

	c.Collector.ApplyDefaults()
}

// Validate validates the configuration. A disabled publisher is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	// Checked as it will run, with defaults filled in.
	collector := c.Collector
	collector.ApplyDefaults()

	if err := collector.Validate(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	return nil
}

// ApplyDefaults applies default values to unset fields. MaxRetries is
// left alone so that zero can disable retries.
func (c *CollectorConfig) ApplyDefaults() {
	defaults := DefaultCollectorConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaults.ExportTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}

	if c.KeepAlive == nil {
		c.KeepAlive = defaults.KeepAlive
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
}

// Validate validates the collector settings.
func (c *CollectorConfig) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}

	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address must use http or https, got %q", u.Scheme)
	}

	if !httpexport.ValidCompression(c.Compression) {
		return fmt.Errorf("invalid compression type: %s", c.Compression)
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("batch_size cannot be greater than max_queue_size")
	}

	if c.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}

	return nil
}

func (c *CollectorConfig) keepAlive() bool {
	return c.KeepAlive == nil || *c.KeepAlive
}
