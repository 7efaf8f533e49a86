package publish

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/actionstats/internal/export"
	httpexport "github.com/ethpandaops/actionstats/internal/export/http"
	"github.com/ethpandaops/actionstats/internal/version"
)

type collectedRequest struct {
	header http.Header
	body   []byte
}

type response struct {
	status     int
	retryAfter string
}

// scriptedCollector answers requests with the given responses in order,
// then 200 for everything after.
func scriptedCollector(t *testing.T, script ...response) (*httptest.Server, func() []collectedRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		reqs []collectedRequest
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)

		mu.Lock()
		n := len(reqs)
		reqs = append(reqs, collectedRequest{header: r.Header.Clone(), body: raw})
		mu.Unlock()

		if n < len(script) {
			if script[n].retryAfter != "" {
				w.Header().Set("Retry-After", script[n].retryAfter)
			}

			w.WriteHeader(script[n].status)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, func() []collectedRequest {
		mu.Lock()
		defer mu.Unlock()

		return append([]collectedRequest(nil), reqs...)
	}
}

func testRows() []*ActionAverageJSON {
	return []*ActionAverageJSON{
		{Action: "jump", Avg: 150, Count: 2, SnapshotTime: "2026-01-02T03:04:05Z"},
		nil,
		{Action: "<run>", Avg: 75, Count: 1, SnapshotTime: "2026-01-02T03:04:05Z"},
	}
}

func newTestCollector(t *testing.T, cfg CollectorConfig, health *export.HealthMetrics) *collector {
	t.Helper()

	c, err := newCollector(testLog(), cfg, "node-a", health)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	return c
}

func TestCollector_ExportItems(t *testing.T) {
	server, requests := scriptedCollector(t)

	c := newTestCollector(t, CollectorConfig{
		Address:     server.URL,
		Compression: httpexport.CompressionZstd,
		Headers:     map[string]string{"X-Tenant": "games"},
	}, nil)

	require.NoError(t, c.ExportItems(context.Background(), testRows()))

	reqs := requests()
	require.Len(t, reqs, 1)

	h := reqs[0].header
	assert.Equal(t, "application/x-ndjson", h.Get("Content-Type"))
	assert.Equal(t, "zstd", h.Get("Content-Encoding"))
	assert.Equal(t, version.UserAgent(), h.Get("User-Agent"))
	assert.Equal(t, "node-a", h.Get(HeaderInstance))
	assert.Equal(t, "2", h.Get(HeaderRows))
	assert.Equal(t, "games", h.Get("X-Tenant"))

	body, err := httpexport.Decompress(h.Get("Content-Encoding"), reqs[0].body, 0)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"action":"jump","avg":150,"count":2,"snapshot_time":"2026-01-02T03:04:05Z"}`, lines[0])
	assert.Equal(t, `{"action":"<run>","avg":75,"count":1,"snapshot_time":"2026-01-02T03:04:05Z"}`, lines[1])
}

func TestCollector_NoCompressionNoInstance(t *testing.T) {
	server, requests := scriptedCollector(t)

	c, err := newCollector(testLog(), CollectorConfig{
		Address:     server.URL,
		Compression: httpexport.CompressionNone,
	}, "", nil)
	require.NoError(t, err)

	require.NoError(t, c.ExportItems(context.Background(), testRows()[:1]))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].header.Get("Content-Encoding"))
	assert.Empty(t, reqs[0].header.Get(HeaderInstance))
	assert.Equal(t, `{"action":"jump","avg":150,"count":2,"snapshot_time":"2026-01-02T03:04:05Z"}`+"\n", string(reqs[0].body))
}

func TestCollector_EmptyBatch(t *testing.T) {
	server, requests := scriptedCollector(t)
	c := newTestCollector(t, CollectorConfig{Address: server.URL}, nil)

	require.NoError(t, c.ExportItems(context.Background(), []*ActionAverageJSON{nil}))
	assert.Empty(t, requests())
}

func TestCollector_ResendsWhileBusy(t *testing.T) {
	for _, status := range []int{
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			health := export.NewHealthMetrics(testLog(), export.HealthConfig{})
			server, requests := scriptedCollector(t, response{status: status}, response{status: status})

			c := newTestCollector(t, CollectorConfig{
				Address:      server.URL,
				MaxRetries:   3,
				RetryBackoff: time.Millisecond,
			}, health)

			require.NoError(t, c.ExportItems(context.Background(), testRows()))

			reqs := requests()
			require.Len(t, reqs, 3)
			assert.Equal(t, reqs[0].body, reqs[2].body)
			assert.InDelta(t, 2, testutil.ToFloat64(health.PublishRetries), 0)
		})
	}
}

func TestCollector_GivesUpAfterMaxRetries(t *testing.T) {
	server, requests := scriptedCollector(t,
		response{status: http.StatusServiceUnavailable},
		response{status: http.StatusServiceUnavailable},
		response{status: http.StatusServiceUnavailable},
	)

	c := newTestCollector(t, CollectorConfig{
		Address:      server.URL,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, nil)

	err := c.ExportItems(context.Background(), testRows())
	require.ErrorIs(t, err, ErrCollectorBusy)
	assert.Contains(t, err.Error(), "status 503")
	assert.Len(t, requests(), 2)
}

func TestCollector_RejectionIsNotRetried(t *testing.T) {
	server, requests := scriptedCollector(t,
		response{status: http.StatusBadRequest},
		response{status: http.StatusBadRequest},
	)

	c := newTestCollector(t, CollectorConfig{
		Address:      server.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, nil)

	err := c.ExportItems(context.Background(), testRows())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCollectorBusy)
	assert.Contains(t, err.Error(), "collector rejected batch: status 400")
	assert.Len(t, requests(), 1)
}

func TestCollector_UnreachableIsBusy(t *testing.T) {
	server, _ := scriptedCollector(t)
	addr := server.URL
	server.Close()

	c := newTestCollector(t, CollectorConfig{
		Address:      addr,
		MaxRetries:   0,
		RetryBackoff: time.Millisecond,
	}, nil)

	err := c.ExportItems(context.Background(), testRows())
	require.ErrorIs(t, err, ErrCollectorBusy)
}

func TestCollector_RetryAfterBoundedByContext(t *testing.T) {
	server, requests := scriptedCollector(t, response{status: http.StatusTooManyRequests, retryAfter: "3600"})

	c := newTestCollector(t, CollectorConfig{
		Address:      server.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.ExportItems(ctx, testRows())

	require.ErrorIs(t, err, ErrCollectorBusy)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, requests(), 1)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value, now))
		})
	}
}

func TestNewCollector_InvalidConfig(t *testing.T) {
	_, err := newCollector(testLog(), CollectorConfig{}, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}
