// Package ingest serves the aggregator over HTTP: POST /actions records
// events, GET /stats returns the current snapshot.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/export"
	httpexport "github.com/ethpandaops/actionstats/internal/export/http"
	"github.com/ethpandaops/actionstats/internal/stats"
)

// maxReportedErrors caps the per-line error messages echoed to the client.
const maxReportedErrors = 10

// Recorder is the part of the aggregator the server drives.
type Recorder interface {
	Record(ctx context.Context, raw []byte) error
	Stats(ctx context.Context) []byte
}

// IngestResponse is the JSON body returned by POST /actions.
type IngestResponse struct {
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Retryable int      `json:"retryable"`
	Errors    []string `json:"errors,omitempty"`
}

// Server is the ingest HTTP server.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	rec      Recorder
	health   *export.HealthMetrics
	server   *http.Server
	listener net.Listener
}

// New creates a Server. health may be nil.
func New(
	log logrus.FieldLogger,
	cfg Config,
	rec Recorder,
	health *export.HealthMetrics,
) *Server {
	cfg.ApplyDefaults()

	return &Server{
		log:    log.WithField("component", "ingest"),
		cfg:    cfg,
		rec:    rec,
		health: health,
	}
}

// Handler returns the routes served by the ingest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /actions", s.handleActions)
	mux.HandleFunc("GET /stats", s.handleStats)

	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).
			Info("Ingest server started")

		if err := s.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("Ingest server error")
		}
	}()

	return nil
}

// Addr returns the actual listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	body, status, err := s.readBody(w, r)
	if err != nil {
		s.respondError(w, "/actions", status, err)

		return
	}

	resp := s.recordLines(r.Context(), body)

	status = http.StatusOK

	switch {
	case resp.Retryable > 0:
		w.Header().Set("Retry-After", "1")

		status = http.StatusServiceUnavailable
	case resp.Accepted == 0 && resp.Rejected == 0:
		s.respondError(w, "/actions", http.StatusBadRequest, errors.New("no actions in body"))

		return
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	}

	s.respondJSON(w, "/actions", status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.rec.Stats(r.Context()))

	s.observe("/stats", http.StatusOK)
}

// readBody reads and decodes the request body, returning the HTTP status
// to use on failure.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, err
		}

		return nil, http.StatusBadRequest, fmt.Errorf("reading body: %w", err)
	}

	encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))

	body, err := httpexport.Decompress(encoding, raw, s.cfg.MaxBodyBytes)

	switch {
	case err == nil:
		return body, http.StatusOK, nil
	case errors.Is(err, httpexport.ErrUnsupportedEncoding):
		return nil, http.StatusUnsupportedMediaType, err
	case errors.Is(err, httpexport.ErrTooLarge):
		return nil, http.StatusRequestEntityTooLarge, err
	default:
		return nil, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err)
	}
}

// recordLines records every non-blank line of an NDJSON body. A body
// holding a single JSON object is the one-line case.
func (s *Server) recordLines(ctx context.Context, body []byte) IngestResponse {
	var resp IngestResponse

	for lineNo := 1; len(body) > 0; lineNo++ {
		var line []byte

		line, body, _ = bytes.Cut(body, []byte("\n"))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		err := s.rec.Record(ctx, line)

		switch {
		case err == nil:
			resp.Accepted++

			continue
		case errors.Is(err, stats.ErrRetryable):
			resp.Retryable++
		default:
			resp.Rejected++
		}

		if len(resp.Errors) < maxReportedErrors {
			resp.Errors = append(resp.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
		}
	}

	if resp.Rejected > 0 || resp.Retryable > 0 {
		s.log.WithFields(logrus.Fields{
			"accepted":  resp.Accepted,
			"rejected":  resp.Rejected,
			"retryable": resp.Retryable,
		}).Debug("Ingest request had failures")
	}

	return resp
}

func (s *Server) respondJSON(w http.ResponseWriter, endpoint string, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}

	s.observe(endpoint, status)
}

func (s *Server) respondError(w http.ResponseWriter, endpoint string, status int, err error) {
	s.respondJSON(w, endpoint, status, map[string]string{"error": err.Error()})
}

func (s *Server) observe(endpoint string, status int) {
	if s.health != nil {
		s.health.IngestRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	}
}
