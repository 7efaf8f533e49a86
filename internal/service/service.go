// Package service wires the aggregator to its ingest server, metrics server
// and snapshot publisher.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/export"
	"github.com/ethpandaops/actionstats/internal/ingest"
	"github.com/ethpandaops/actionstats/internal/publish"
	"github.com/ethpandaops/actionstats/internal/stats"
)

// Service is the top-level orchestrator for actionstats.
type Service struct {
	log       logrus.FieldLogger
	cfg       *Config
	health    *export.HealthMetrics
	agg       *stats.Aggregator
	ingest    *ingest.Server
	publisher *publish.Publisher

	cancel context.CancelFunc
}

// New creates a new Service.
func New(log logrus.FieldLogger, cfg *Config) (*Service, error) {
	health := export.NewHealthMetrics(log, cfg.Health)
	agg := stats.New(log, cfg.Stats, health)

	s := &Service{
		log:    log.WithField("component", "service"),
		cfg:    cfg,
		health: health,
		agg:    agg,
		ingest: ingest.New(log, cfg.Ingest, agg, health),
	}

	if cfg.Publish.Enabled {
		p, err := publish.New(log, cfg.Publish, agg, health)
		if err != nil {
			return nil, fmt.Errorf("creating publisher: %w", err)
		}

		s.publisher = p
	}

	return s, nil
}

// Aggregator returns the service's stats table.
func (s *Service) Aggregator() *stats.Aggregator {
	return s.agg
}

// IngestAddr returns the ingest server's listen address.
func (s *Service) IngestAddr() string {
	return s.ingest.Addr()
}

// HealthAddr returns the metrics server's listen address.
func (s *Service) HealthAddr() string {
	return s.health.Addr()
}

// Start starts the metrics server, the ingest server and, when enabled,
// the publisher. On failure everything already started is stopped.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. Health metrics server.
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Ingest server.
	if err := s.ingest.Start(ctx); err != nil {
		_ = s.health.Stop()

		return fmt.Errorf("starting ingest server: %w", err)
	}

	// 3. Snapshot publisher.
	if s.publisher != nil {
		if err := s.publisher.Start(ctx); err != nil {
			_ = s.ingest.Stop()
			_ = s.health.Stop()

			return fmt.Errorf("starting publisher: %w", err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"ingest_addr":  s.IngestAddr(),
		"health_addr":  s.HealthAddr(),
		"lock_timeout": s.cfg.Stats.LockTimeout,
		"publishing":   s.publisher != nil,
	}).Info("Service fully started")

	return nil
}

// Stop shuts everything down in reverse order. The ingest server drains
// before the publisher takes its final snapshot.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var errs []error

	if err := s.ingest.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping ingest server: %w", err))
	}

	if s.publisher != nil {
		if err := s.publisher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping publisher: %w", err))
		}
	}

	if err := s.health.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping health metrics: %w", err))
	}

	return errors.Join(errs...)
}
