package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "edgeai/internal/utils/id"
)

func TestLoggerWithContextAddsIdentifiers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: buf})

	ctx := id.WithIDs(context.Background(), id.IDs{TaskID: "task-7", CorrelationID: "corr-1"})
	logger.InfoContext(ctx, "hello", "k", "v")

	out := buf.String()
	assert.Contains(t, out, `"task_id":"task-7"`)
	assert.Contains(t, out, `"correlation_id":"corr-1"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "warn", Output: buf})
	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestDisabledMetricsCollectorIsInert(t *testing.T) {
	collector, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	collector.RecordInference(context.Background(), "m", "ok", time.Millisecond, 1, 2)
	collector.RecordAgentTurn(context.Background(), "planner", "done")
	require.NoError(t, collector.Shutdown(context.Background()))

	var nilCollector *MetricsCollector
	nilCollector.RecordInference(context.Background(), "m", "ok", time.Millisecond, 1, 2)
}

func TestDisabledTracingUsesNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx := id.WithTaskID(context.Background(), "task-1")
	_, span := tp.StartSpan(ctx, SpanAgentTurn)
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	var nilProvider *TracerProvider
	_, span = nilProvider.StartSpan(ctx, SpanInference)
	span.End()
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
	assert.Nil(t, ErrorAttrs(nil))
	assert.Len(t, ErrorAttrs(errors.New("x")), 2)
}

func TestMustRegisterReusesExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Namespace: "edgeai", Name: "test_total", Help: "test"}

	first := MustRegister(reg, prometheus.NewCounter(opts))
	second := MustRegister(reg, prometheus.NewCounter(opts))
	first.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(second))
}
