package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "ztcore", config.ServiceName)
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, ExporterPrometheus, config.MetricsExporter)
	assert.False(t, config.TracingEnabled)
	assert.Equal(t, 1.0, config.SampleRate)
}

func TestPrometheusHandlerServesInstruments(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.NotNil(t, p.MetricsHandler())

	counter, err := p.Meter().Int64Counter("ztcore.test.hits")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ztcore_test_hits")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsExporter = ExporterNone
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, p.MetricsHandler())
	assert.NotNil(t, p.Meter())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsExporter = "statsd"
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestTracingProviderWithoutCollector(t *testing.T) {
	// The OTLP exporter connects lazily, so construction succeeds without a
	// collector listening.
	cfg := DefaultConfig()
	cfg.TracingEnabled = true
	cfg.Insecure = true
	cfg.OTLPEndpoint = "127.0.0.1:1"
	cfg.MetricsExporter = ExporterNone

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "test")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "WARN", "json").Info("dropped")
	assert.Zero(t, buf.Len())

	NewLogger(&buf, "INFO", "json").Info("sealed", "block_index", 3)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sealed", rec["msg"])
	assert.Equal(t, 3.0, rec["block_index"])

	buf.Reset()
	NewLogger(&buf, "INFO", "text").Info("sealed")
	assert.Contains(t, buf.String(), "msg=sealed")

	NewLogger(io.Discard, "", "").Debug("ignored")
}
