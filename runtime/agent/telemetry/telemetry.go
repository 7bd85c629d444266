// Package telemetry defines the logging, metrics and tracing contracts used
// throughout the runtime. Components accept these interfaces in their Options
// and default to the no-op implementations when nil, so observability is
// always optional and never a hard dependency of the core loop.
//
// Two implementations ship with the module:
//
//   - Clue/OTEL: NewClueLogger, NewClueMetrics, NewClueTracer delegate to
//     goa.design/clue/log and the global OpenTelemetry providers.
//   - No-op: NewNoopLogger, NewNoopMetrics, NewNoopTracer discard everything.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages with alternating key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers for runtime instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code can remain agnostic of the
	// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span. Uses OTEL option types for
	// type safety.
	//
	// Example usage:
	//
	//	ctx, span := tracer.Start(ctx, "operation", trace.WithSpanKind(trace.SpanKindClient))
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
