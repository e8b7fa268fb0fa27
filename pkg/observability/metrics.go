package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the process-wide instruments. A zero-value Metrics (all
// instruments nil) is a valid no-op recorder, returned when metrics are
// disabled.
type Metrics struct {
	runDuration  metric.Float64Histogram
	runsTotal    metric.Int64Counter
	runErrors    metric.Int64Counter
	stepsTotal   metric.Int64Counter
	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter
	llmDuration  metric.Float64Histogram
	llmTokensIn  metric.Int64Counter
	llmTokensOut metric.Int64Counter
	queueItems   metric.Int64Counter
	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

// InitMetrics registers the arion instruments on a Prometheus-backed
// meter provider. The exporter registers with the default prometheus
// registry, so promhttp serves the values on /metrics.
func InitMetrics(enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter)).Meter("arion")

	m := &Metrics{}
	if m.runDuration, err = meter.Float64Histogram("arion_run_duration_seconds",
		metric.WithDescription("Run duration in seconds")); err != nil {
		return nil, err
	}
	if m.runsTotal, err = meter.Int64Counter("arion_runs_total",
		metric.WithDescription("Total runs executed")); err != nil {
		return nil, err
	}
	if m.runErrors, err = meter.Int64Counter("arion_run_errors_total",
		metric.WithDescription("Total runs terminating with an error final")); err != nil {
		return nil, err
	}
	if m.stepsTotal, err = meter.Int64Counter("arion_run_steps_total",
		metric.WithDescription("Total engine steps across runs")); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram("arion_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("arion_tool_calls_total",
		metric.WithDescription("Total tool calls")); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter("arion_tool_errors_total",
		metric.WithDescription("Total tool calls returning an error")); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("arion_llm_request_duration_seconds",
		metric.WithDescription("LLM decide duration in seconds")); err != nil {
		return nil, err
	}
	if m.llmTokensIn, err = meter.Int64Counter("arion_llm_tokens_input_total",
		metric.WithDescription("Total prompt tokens sent")); err != nil {
		return nil, err
	}
	if m.llmTokensOut, err = meter.Int64Counter("arion_llm_tokens_output_total",
		metric.WithDescription("Total response tokens received")); err != nil {
		return nil, err
	}
	if m.queueItems, err = meter.Int64Counter("arion_queue_items_total",
		metric.WithDescription("Queue items drained, by outcome")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("arion_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("arion_http_requests_total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordRun(status string, steps int, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	ctx := context.Background()
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status != "ok" {
		m.runErrors.Add(ctx, 1)
	}
	m.stepsTotal.Add(ctx, int64(steps))
	m.runDuration.Record(ctx, duration.Seconds())
}

func (m *Metrics) RecordToolCall(toolKey, status string, duration time.Duration) {
	if m == nil || m.toolCalls == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("tool", toolKey))
	m.toolCalls.Add(ctx, 1, attrs)
	if status != "ok" {
		m.toolErrors.Add(ctx, 1, attrs)
	}
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordLLM(duration time.Duration, promptTokens, responseTokens int) {
	if m == nil || m.llmDuration == nil {
		return
	}
	ctx := context.Background()
	m.llmDuration.Record(ctx, duration.Seconds())
	m.llmTokensIn.Add(ctx, int64(promptTokens))
	m.llmTokensOut.Add(ctx, int64(responseTokens))
}

func (m *Metrics) RecordQueueItem(outcome string) {
	if m == nil || m.queueItems == nil {
		return
	}
	m.queueItems.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}
