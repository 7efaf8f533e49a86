package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/actionstats/internal/export"
	httpexport "github.com/ethpandaops/actionstats/internal/export/http"
	"github.com/ethpandaops/actionstats/internal/stats"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// busyRecorder reports every record as retryable.
type busyRecorder struct{}

func (busyRecorder) Record(context.Context, []byte) error {
	return fmt.Errorf("%w: table busy", stats.ErrRetryable)
}

func (busyRecorder) Stats(context.Context) []byte { return []byte("[]") }

func newTestServer(t *testing.T, cfg Config, rec Recorder) (*Server, *export.HealthMetrics) {
	t.Helper()

	health := export.NewHealthMetrics(testLog(), export.HealthConfig{})

	return New(testLog(), cfg, rec, health), health
}

func post(t *testing.T, h http.Handler, body []byte, encoding string) (*httptest.ResponseRecorder, IngestResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/actions", bytes.NewReader(body))
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp IngestResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}

	return rec, resp
}

func getStats(t *testing.T, h http.Handler) string {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	return rec.Body.String()
}

func TestServer_SingleAction(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, health := newTestServer(t, Config{}, agg)
	h := s.Handler()

	for _, body := range []string{
		`{"action":"jump","time":100}`,
		`{"action":"run","time":75}`,
		`{"action":"jump","time":200}`,
	} {
		rec, resp := post(t, h, []byte(body), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, IngestResponse{Accepted: 1}, resp)
	}

	assert.Equal(t, `[{"action":"jump","avg":150},{"action":"run","avg":75}]`, getStats(t, h))
	assert.InDelta(t, 3, testutil.ToFloat64(health.IngestRequests.WithLabelValues("/actions", "200")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(health.IngestRequests.WithLabelValues("/stats", "200")), 0)
}

func TestServer_NDJSONWithFailures(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{}, agg)
	h := s.Handler()

	body := strings.Join([]string{
		`{"action":"jump","time":100}`,
		``,
		`GARBAGE`,
		`  {"action":"jump","time":200}  `,
		`{"action":"run"}`,
	}, "\r\n")

	rec, resp := post(t, h, []byte(body), "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	assert.Zero(t, resp.Retryable)
	require.Len(t, resp.Errors, 2)
	assert.True(t, strings.HasPrefix(resp.Errors[0], "line 3: parse error"))
	assert.True(t, strings.HasPrefix(resp.Errors[1], "line 5: parse error"))

	assert.Equal(t, `[{"action":"jump","avg":150}]`, getStats(t, h))
}

func TestServer_AllRejected(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{}, agg)
	h := s.Handler()

	rec, resp := post(t, h, []byte("GARBAGE"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, resp.Rejected)

	assert.Equal(t, "[]", getStats(t, h))
}

func TestServer_EmptyBody(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{}, agg)

	rec, _ := post(t, s.Handler(), []byte("\n \n"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no actions in body")
}

func TestServer_Retryable(t *testing.T) {
	s, _ := newTestServer(t, Config{}, busyRecorder{})

	rec, resp := post(t, s.Handler(), []byte(`{"action":"jump","time":1}`), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, resp.Retryable)
}

func TestServer_CompressedBodies(t *testing.T) {
	body := []byte(`{"action":"jump","time":100}` + "\n" + `{"action":"jump","time":200}`)

	for _, algorithm := range []string{
		httpexport.CompressionGzip,
		httpexport.CompressionZstd,
		httpexport.CompressionZlib,
		httpexport.CompressionSnappy,
	} {
		t.Run(algorithm, func(t *testing.T) {
			c, err := httpexport.NewCompressor(algorithm)
			require.NoError(t, err)
			defer c.Close()

			compressed, err := c.Compress(body)
			require.NoError(t, err)

			agg := stats.New(testLog(), stats.DefaultConfig(), nil)
			s, _ := newTestServer(t, Config{}, agg)
			h := s.Handler()

			rec, resp := post(t, h, compressed, strings.ToUpper(c.ContentEncoding()))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, 2, resp.Accepted)

			assert.Equal(t, `[{"action":"jump","avg":150}]`, getStats(t, h))
		})
	}
}

func TestServer_UnsupportedEncoding(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{}, agg)

	rec, _ := post(t, s.Handler(), []byte(`{"action":"jump","time":1}`), "br")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestServer_BodyTooLarge(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{MaxBodyBytes: 16}, agg)

	rec, _ := post(t, s.Handler(), []byte(`{"action":"jump","time":100}`), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// The cap also applies after decompression.
	c, err := httpexport.NewCompressor(httpexport.CompressionGzip)
	require.NoError(t, err)

	compressed, err := c.Compress(bytes.Repeat([]byte(" "), 4096))
	require.NoError(t, err)

	s, _ = newTestServer(t, Config{MaxBodyBytes: int64(len(compressed))}, agg)

	rec, _ = post(t, s.Handler(), compressed, "gzip")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Equal(t, "[]", string(agg.Stats(context.Background())))
}

func TestServer_MethodNotAllowed(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{}, agg)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	agg := stats.New(testLog(), stats.DefaultConfig(), nil)
	s, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"}, agg)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Post(
		fmt.Sprintf("http://%s/actions", s.Addr()),
		"application/json",
		strings.NewReader(`{"action":"jump","time":100}`),
	)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(fmt.Sprintf("http://%s/stats", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `[{"action":"jump","avg":100}]`, string(body))

	require.NoError(t, s.Stop())
}

func TestServer_StopBeforeStart(t *testing.T) {
	s, _ := newTestServer(t, Config{}, busyRecorder{})
	assert.NoError(t, s.Stop())
	assert.Equal(t, ":8080", s.Addr())
}
