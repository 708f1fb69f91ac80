// Package telemetry instruments the engine with OpenTelemetry metrics and
// traces. The engine depends on the small Metrics and Tracer interfaces so
// tests run with the no-op implementations and production wires the OTEL
// globals.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Metrics records engine counters and timers.
	Metrics interface {
		// IncCounter increments a counter by value. Tags are alternating
		// key/value strings.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration.
		RecordTimer(name string, d time.Duration, tags ...string)
	}

	// Tracer starts spans around engine operations.
	Tracer interface {
		// Start opens a span and returns the derived context.
		Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span)
	}

	// Span is the engine's view of an in-flight span.
	Span interface {
		// End finalizes the span.
		End()
		// RecordError marks the span failed with the given error.
		RecordError(err error)
	}

	otelMetrics struct {
		meter metric.Meter
	}

	otelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}

	// NoopTracer creates no-op spans.
	NoopTracer struct{}

	noopSpan struct{}
)

// Metric names emitted by the engine.
const (
	MetricRetries       = "sidekick.transport.retries"
	MetricDroppedEvents = "sidekick.bus.dropped_events"
	MetricSkippedFrames = "sidekick.sse.skipped_frames"
	MetricSteps         = "sidekick.agent.steps"
	MetricStepDuration  = "sidekick.agent.step_duration"
	MetricToolCalls     = "sidekick.tools.calls"
)

const scope = "goa.design/sidekick/runtime"

// NewMetrics constructs a Metrics recorder on the global OTEL MeterProvider.
// Configure the provider before the engine starts (otel.SetMeterProvider or
// clue.ConfigureOpenTelemetry).
func NewMetrics() Metrics {
	return &otelMetrics{meter: otel.Meter(scope)}
}

// NewTracer constructs a Tracer on the global OTEL TracerProvider.
func NewTracer() Tracer {
	return &otelTracer{tracer: otel.Tracer(scope)}
}

// IncCounter implements Metrics.
func (m *otelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer implements Metrics.
func (m *otelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start implements Tracer.
func (t *otelTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &otelSpan{span: span}
}

// End implements Span.
func (s *otelSpan) End() { s.span.End() }

// RecordError implements Span.
func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// IncCounter discards the metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// Start returns a no-op span without modifying the context.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) End()              {}
func (noopSpan) RecordError(error) {}

// tagAttrs converts alternating key/value strings into OTEL attributes. An
// odd trailing key pairs with the empty string.
func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
