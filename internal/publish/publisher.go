// Package publish periodically pushes aggregator snapshots to an HTTP
// collector, resending batches while the collector reports itself busy.
package publish

import (
	"context"
	"fmt"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/export"
	"github.com/ethpandaops/actionstats/internal/stats"
)

// ActionAverageJSON is the exported row, one per action per snapshot.
type ActionAverageJSON struct {
	Action           string  `json:"action"`
	Avg              float64 `json:"avg"`
	Count            uint64  `json:"count"`
	SnapshotTime     string  `json:"snapshot_time"`
	MetaInstanceName string  `json:"meta_instance_name,omitempty"`
}

// Source provides snapshots to publish.
type Source interface {
	Snapshot(ctx context.Context) stats.Report
}

// Writer accepts rows for export. *processor.BatchItemProcessor satisfies it.
type Writer interface {
	Write(ctx context.Context, rows []*ActionAverageJSON) error
}

// Publisher snapshots a Source on a fixed interval.
type Publisher struct {
	log    logrus.FieldLogger
	cfg    Config
	source Source
	writer Writer
	health *export.HealthMetrics

	proc *processor.BatchItemProcessor[ActionAverageJSON]
	now  func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher delivering to the configured collector.
func New(
	log logrus.FieldLogger,
	cfg Config,
	source Source,
	health *export.HealthMetrics,
) (*Publisher, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	proc, err := newCollectorProcessor(log, cfg, health)
	if err != nil {
		return nil, fmt.Errorf("creating collector processor: %w", err)
	}

	p := newPublisher(log, cfg, source, proc, health)
	p.proc = proc

	return p, nil
}

func newPublisher(
	log logrus.FieldLogger,
	cfg Config,
	source Source,
	writer Writer,
	health *export.HealthMetrics,
) *Publisher {
	cfg.ApplyDefaults()

	return &Publisher{
		log:    log.WithField("component", "publisher"),
		cfg:    cfg,
		source: source,
		writer: writer,
		health: health,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Start begins the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	if p.proc != nil {
		p.proc.Start(ctx)
		p.log.Info("Collector export started")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	go p.runLoop(ctx)

	p.log.WithFields(logrus.Fields{
		"interval": p.cfg.Interval,
		"address":  p.cfg.Collector.Address,
	}).Info("Snapshot publisher started")

	return nil
}

// Stop ends the loop, publishes one final snapshot and drains the exporter.
func (p *Publisher) Stop() error {
	if p.cancel == nil {
		return nil
	}

	p.cancel()
	<-p.done

	if _, err := p.Publish(context.Background()); err != nil {
		p.log.WithError(err).Error("Final publish failed")
	}

	if p.proc != nil {
		if err := p.proc.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutting down collector processor: %w", err)
		}
	}

	return nil
}

func (p *Publisher) runLoop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Publish(ctx); err != nil {
				p.log.WithError(err).Warn("Publishing snapshot failed")
			}
		}
	}
}

// Publish takes one snapshot and hands its rows to the writer. It returns
// the number of rows written. An empty snapshot writes nothing.
func (p *Publisher) Publish(ctx context.Context) (int, error) {
	report := p.source.Snapshot(ctx)
	if len(report) == 0 {
		return 0, nil
	}

	snapshotTime := p.now().UTC().Format(time.RFC3339Nano)
	rows := make([]*ActionAverageJSON, 0, len(report))

	for _, entry := range report {
		rows = append(rows, &ActionAverageJSON{
			Action:           entry.Name,
			Avg:              entry.Average,
			Count:            entry.Count,
			SnapshotTime:     snapshotTime,
			MetaInstanceName: p.cfg.InstanceName,
		})
	}

	if err := p.writer.Write(ctx, rows); err != nil {
		if p.health != nil {
			p.health.PublishErrors.Inc()
		}

		return 0, fmt.Errorf("writing %d rows: %w", len(rows), err)
	}

	if p.health != nil {
		p.health.SnapshotsPublished.Inc()
	}

	p.log.WithField("rows", len(rows)).Debug("Published snapshot")

	return len(rows), nil
}
