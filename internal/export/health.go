package export

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Result label values for RecordsTotal.
const (
	RecordAccepted   = "accepted"
	RecordParseError = "parse_error"
	RecordRetryable  = "retryable"
)

// Result label values for SnapshotsTotal.
const (
	SnapshotOK       = "ok"
	SnapshotDegraded = "degraded"
)

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the stats service.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Aggregator.
	RecordsTotal   *prometheus.CounterVec   // result
	ActionsTracked prometheus.Gauge         // distinct action names
	SnapshotsTotal *prometheus.CounterVec   // result
	LockWait       *prometheus.HistogramVec // mode (read/write)

	// Ingest.
	IngestRequests *prometheus.CounterVec // endpoint, status

	// Publisher.
	SnapshotsPublished prometheus.Counter
	PublishErrors      prometheus.Counter
	PublishRetries     prometheus.Counter

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actionstats",
				Name:      "records_total",
				Help:      "Total record calls by result.",
			},
			[]string{"result"},
		),
		ActionsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "actionstats",
			Name:      "actions_tracked",
			Help:      "Number of distinct action names in the stats table.",
		}),
		SnapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actionstats",
				Name:      "snapshots_total",
				Help:      "Total snapshots by result (degraded = table busy, empty report returned).",
			},
			[]string{"result"},
		),
		LockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "actionstats",
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting for the stats table by lock mode.",
				Buckets:   []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1}, // 1us-1s
			},
			[]string{"mode"},
		),
		IngestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "actionstats",
				Name:      "ingest_requests_total",
				Help:      "Total ingest HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actionstats",
			Name:      "snapshots_published_total",
			Help:      "Total snapshots handed to the export pipeline.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actionstats",
			Name:      "publish_errors_total",
			Help:      "Total snapshot publish errors.",
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actionstats",
			Name:      "publish_retries_total",
			Help:      "Total batches resent because the collector was busy or unreachable.",
		}),
	}

	reg.MustRegister(
		h.RecordsTotal,
		h.ActionsTracked,
		h.SnapshotsTotal,
		h.LockWait,
		h.IngestRequests,
		h.SnapshotsPublished,
		h.PublishErrors,
		h.PublishRetries,
	)

	return h
}

// Registry returns the registry backing /metrics.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Start begins serving the /metrics endpoint. It fails if the server is
// already running.
func (h *HealthMetrics) Start(_ context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("health metrics server already running")
	}

	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	// pprof endpoints for CPU/memory profiling.
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		h.running.Store(false)

		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln

	h.server = &http.Server{
		Handler: mux,
	}

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Running reports whether the server is serving.
func (h *HealthMetrics) Running() bool {
	return h.running.Load()
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop gracefully shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
