// Package stats maintains running per-action duration averages that many
// goroutines can record into and snapshot concurrently.
package stats

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/export"
)

// Aggregator owns the stats table. Record takes exclusive access and
// surfaces a lock timeout as ErrRetryable. Snapshot takes shared access
// and degrades to an empty report when the table stays busy.
//
// Every distinct action name is retained for the life of the Aggregator.
// This assumes a bounded set of action kinds.
type Aggregator struct {
	log    logrus.FieldLogger
	cfg    Config
	health *export.HealthMetrics

	guard   *guard
	actions map[string]ActionStat
}

// New creates an Aggregator. health may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	health *export.HealthMetrics,
) *Aggregator {
	return &Aggregator{
		log:     log.WithField("component", "stats"),
		cfg:     cfg,
		health:  health,
		guard:   newGuard(),
		actions: make(map[string]ActionStat, 16),
	}
}

// Record decodes a JSON action event and folds it into the table.
// Errors wrap ErrParse or ErrRetryable; in both cases the table is unchanged.
// ErrParse also covers well-formed events that cannot be represented, such
// as a duration that would push the running average to infinity. Resending
// such an event fails the same way.
func (a *Aggregator) Record(ctx context.Context, raw []byte) error {
	rec, err := DecodeAction(raw)
	if err != nil {
		a.observeRecord(export.RecordParseError)
		a.log.WithError(err).Debug("Rejected action payload")

		return err
	}

	return a.RecordAction(ctx, rec)
}

// RecordAction folds an already decoded action into the table. It fails
// with ErrParse when the resulting average would not be finite, and with
// ErrRetryable when the table stays busy.
func (a *Aggregator) RecordAction(ctx context.Context, rec ActionRecord) error {
	if a.cfg.RejectNegativeDurations && rec.Duration < 0 {
		a.observeRecord(export.RecordParseError)

		return fmt.Errorf("%w: negative duration %v for action %q",
			ErrParse, rec.Duration, rec.Name)
	}

	start := time.Now()
	release, err := a.guard.lock(ctx, a.cfg.LockTimeout)
	a.observeLockWait("write", start)

	if err != nil {
		a.observeRecord(export.RecordRetryable)
		a.log.WithError(err).
			WithField("action", rec.Name).
			Debug("Stats table busy, record not applied")

		return fmt.Errorf("%w: acquiring stats table: %w", ErrRetryable, err)
	}
	defer release()

	stat, ok := a.actions[rec.Name]
	if ok {
		stat = stat.add(rec.Duration)
	} else {
		stat = newActionStat(rec.Duration)
	}

	if !stat.finite() {
		a.observeRecord(export.RecordParseError)

		return fmt.Errorf("%w: duration %v makes average of action %q non-finite",
			ErrParse, rec.Duration, rec.Name)
	}

	a.actions[rec.Name] = stat

	if !ok && a.health != nil {
		a.health.ActionsTracked.Set(float64(len(a.actions)))
	}

	a.observeRecord(export.RecordAccepted)

	return nil
}

// Snapshot returns every tracked action ordered by name. If shared access
// cannot be obtained in time the report is empty.
func (a *Aggregator) Snapshot(ctx context.Context) Report {
	start := time.Now()
	release, err := a.guard.rlock(ctx, a.cfg.LockTimeout)
	a.observeLockWait("read", start)

	if err != nil {
		a.observeSnapshot(export.SnapshotDegraded)
		a.log.WithError(err).Debug("Stats table busy, returning empty snapshot")

		return Report{}
	}
	defer release()

	report := make(Report, 0, len(a.actions))

	for _, name := range slices.Sorted(maps.Keys(a.actions)) {
		stat := a.actions[name]

		report = append(report, ActionAverage{
			Name:    name,
			Average: stat.Average,
			Count:   stat.Count,
		})
	}

	a.observeSnapshot(export.SnapshotOK)

	return report
}

// Stats returns the snapshot encoded as a JSON array of
// {"action": name, "avg": average}.
func (a *Aggregator) Stats(ctx context.Context) []byte {
	data, err := a.Snapshot(ctx).Encode()
	if err != nil {
		// Averages are kept finite, so this only trips on a broken encoder.
		a.log.WithError(err).Error("Failed to encode snapshot")

		return []byte("[]")
	}

	return data
}

func (a *Aggregator) observeRecord(result string) {
	if a.health != nil {
		a.health.RecordsTotal.WithLabelValues(result).Inc()
	}
}

func (a *Aggregator) observeSnapshot(result string) {
	if a.health != nil {
		a.health.SnapshotsTotal.WithLabelValues(result).Inc()
	}
}

func (a *Aggregator) observeLockWait(mode string, start time.Time) {
	if a.health != nil {
		a.health.LockWait.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}
