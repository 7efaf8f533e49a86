package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/export"
	httpexport "github.com/ethpandaops/actionstats/internal/export/http"
	"github.com/ethpandaops/actionstats/internal/version"
)

// Headers attached to every batch sent to the collector.
const (
	HeaderInstance = "X-Actionstats-Instance"
	HeaderRows     = "X-Actionstats-Rows"
)

// ErrCollectorBusy means the collector asked for the batch to be resent
// later or could not be reached.
var ErrCollectorBusy = errors.New("collector busy")

// collector posts snapshot rows to an HTTP collector as NDJSON.
type collector struct {
	log        logrus.FieldLogger
	cfg        CollectorConfig
	instance   string
	client     *http.Client
	compressor *httpexport.Compressor
	health     *export.HealthMetrics
}

var _ processor.ItemExporter[ActionAverageJSON] = (*collector)(nil)

func newCollector(
	log logrus.FieldLogger,
	cfg CollectorConfig,
	instance string,
	health *export.HealthMetrics,
) (*collector, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}

	compressor, err := httpexport.NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 2,
		MaxIdleConnsPerHost: cfg.Workers * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !cfg.keepAlive(),
	}

	return &collector{
		log:      log.WithField("component", "collector"),
		cfg:      cfg,
		instance: instance,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ExportTimeout,
		},
		compressor: compressor,
		health:     health,
	}, nil
}

// newCollectorProcessor wraps a collector in a batch processor.
func newCollectorProcessor(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) (*processor.BatchItemProcessor[ActionAverageJSON], error) {
	c, err := newCollector(log, cfg.Collector, cfg.InstanceName, health)
	if err != nil {
		return nil, err
	}

	proc, err := processor.NewBatchItemProcessor[ActionAverageJSON](
		c,
		"snapshot_collector",
		log,
		processor.WithMaxQueueSize(c.cfg.MaxQueueSize),
		processor.WithBatchTimeout(c.cfg.BatchTimeout),
		processor.WithExportTimeout(c.cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(c.cfg.BatchSize),
		processor.WithWorkers(c.cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}

// ExportItems sends one batch, resending it while the collector is busy.
func (c *collector) ExportItems(ctx context.Context, rows []*ActionAverageJSON) error {
	body, n, err := encodeRows(rows)
	if err != nil || n == 0 {
		return err
	}

	compressed, err := c.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("compressing batch: %w", err)
	}

	for attempt := 0; ; attempt++ {
		retryAfter, err := c.post(ctx, compressed, n)
		if err == nil {
			c.log.WithFields(logrus.Fields{
				"rows":       n,
				"bytes":      len(body),
				"compressed": len(compressed),
				"attempt":    attempt + 1,
			}).Debug("Delivered snapshot batch")

			return nil
		}

		if !errors.Is(err, ErrCollectorBusy) || attempt >= c.cfg.MaxRetries {
			return err
		}

		delay := max(time.Duration(attempt+1)*c.cfg.RetryBackoff, retryAfter)

		c.log.WithError(err).WithFields(logrus.Fields{
			"rows":  n,
			"delay": delay,
		}).Warn("Collector busy, resending batch")

		if c.health != nil {
			c.health.PublishRetries.Inc()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: giving up: %w", err, ctx.Err())
		}
	}
}

// Shutdown releases the compressor.
func (c *collector) Shutdown(_ context.Context) error {
	return c.compressor.Close()
}

// post sends one request. On a busy response it also returns the delay
// the collector asked for via Retry-After, if any.
func (c *collector) post(ctx context.Context, body []byte, rows int) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Address, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderRows, strconv.Itoa(rows))

	if c.instance != "" {
		req.Header.Set(HeaderInstance, c.instance)
	}

	if encoding := c.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: sending request: %w", ErrCollectorBusy, err)
	}

	defer resp.Body.Close()

	// Drain response body to enable connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			fmt.Errorf("%w: status %d", ErrCollectorBusy, resp.StatusCode)
	default:
		return 0, fmt.Errorf("collector rejected batch: status %d", resp.StatusCode)
	}
}

// encodeRows renders rows as NDJSON, skipping nil entries.
func encodeRows(rows []*ActionAverageJSON) ([]byte, int, error) {
	var buf bytes.Buffer
	buf.Grow(len(rows) * 128)

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	n := 0

	for _, row := range rows {
		if row == nil {
			continue
		}

		if err := enc.Encode(row); err != nil {
			return nil, 0, fmt.Errorf("encoding row for %q: %w", row.Action, err)
		}

		n++
	}

	return buf.Bytes(), n, nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Anything unparsable or in the past yields zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}
