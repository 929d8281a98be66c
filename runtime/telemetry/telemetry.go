// Package telemetry defines the logging, metrics, and tracing seams used by
// the orchestration runtime. The runtime never logs or records metrics
// directly against a vendor API; it goes through these interfaces so
// deployments can plug in goa.design/clue + OpenTelemetry (the production
// default) or the noop implementations (tests, embedded use).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with alternating key/value pairs.
	Logger interface {
		// Debug emits a debug-level log message.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level log message.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level log message.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level log message.
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key/value pairs.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram metric.
		RecordTimer(name string, duration time.Duration, tags ...string)
		// RecordGauge records a gauge metric value.
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates and retrieves spans.
	Tracer interface {
		// Start creates a new span and returns the updated context and span.
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		// Span retrieves the current span from the context.
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the runtime uses.
	Span interface {
		// SetAttribute records a key/value attribute on the span.
		SetAttribute(key string, value any)
		// RecordError records an error against the span and marks it failed.
		RecordError(err error)
		// End completes the span.
		End()
	}
)
