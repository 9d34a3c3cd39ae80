package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records inference-level measurements through OpenTelemetry.
// The zero value is usable and records nothing.
type MetricsCollector struct {
	inferenceRequests     metric.Int64Counter
	inferenceTokensInput  metric.Int64Counter
	inferenceTokensOutput metric.Int64Counter
	inferenceLatency      metric.Float64Histogram
	agentTurns            metric.Int64Counter

	prometheusServer *http.Server
	provider         *sdkmetric.MeterProvider
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// PrometheusPort starts a dedicated scrape listener when > 0. The API
	// server exposes /metrics regardless.
	PrometheusPort int `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(tracerName)

	collector := &MetricsCollector{provider: provider}

	if collector.inferenceRequests, err = meter.Int64Counter(
		"edgeai.inference.requests.total",
		metric.WithDescription("Total number of inference calls"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference_requests counter: %w", err)
	}
	if collector.inferenceTokensInput, err = meter.Int64Counter(
		"edgeai.inference.tokens.input",
		metric.WithDescription("Prompt tokens sent to inference backends"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference_tokens_input counter: %w", err)
	}
	if collector.inferenceTokensOutput, err = meter.Int64Counter(
		"edgeai.inference.tokens.output",
		metric.WithDescription("Completion tokens returned by inference backends"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference_tokens_output counter: %w", err)
	}
	if collector.inferenceLatency, err = meter.Float64Histogram(
		"edgeai.inference.latency",
		metric.WithDescription("Inference latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create inference_latency histogram: %w", err)
	}
	if collector.agentTurns, err = meter.Int64Counter(
		"edgeai.agent.turns.total",
		metric.WithDescription("Agent turns by role and outcome"),
		metric.WithUnit("{turn}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create agent_turns counter: %w", err)
	}

	if config.PrometheusPort > 0 {
		collector.StartPrometheusServer(config.PrometheusPort)
	}
	return collector, nil
}

// StartPrometheusServer serves the default registry on a dedicated port.
func (m *MetricsCollector) StartPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			NewLogger(LogConfig{}).Error("prometheus server error", "error", err)
		}
	}()
}

// Shutdown stops the scrape listener and the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.prometheusServer != nil {
		errs = append(errs, m.prometheusServer.Shutdown(ctx))
	}
	if m.provider != nil {
		errs = append(errs, m.provider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// RecordInference records a single inference call.
func (m *MetricsCollector) RecordInference(ctx context.Context, model, status string, latency time.Duration, inputTokens, outputTokens int) {
	if m == nil || m.inferenceRequests == nil {
		return
	}
	modelAttr := metric.WithAttributes(attribute.String("model", model))
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)

	m.inferenceRequests.Add(ctx, 1, attrs)
	m.inferenceTokensInput.Add(ctx, int64(inputTokens), modelAttr)
	m.inferenceTokensOutput.Add(ctx, int64(outputTokens), modelAttr)
	m.inferenceLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordAgentTurn counts a completed or failed agent turn.
func (m *MetricsCollector) RecordAgentTurn(ctx context.Context, role, outcome string) {
	if m == nil || m.agentTurns == nil {
		return
	}
	m.agentTurns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("outcome", outcome),
	))
}
