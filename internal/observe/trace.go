package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Earshot records three kinds of spans: "HTTP <method> <path>" from
// [Middleware], "listen.process_batch" per settled batch and
// "listen.recognize" per recogniser call. All share one scope.
const tracerName = meterName

// Tracer returns the Earshot tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the Earshot tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span in ctx, or "".
// [Middleware] echoes it as X-Correlation-ID, so a device can quote the
// value of its /session upgrade response when reporting a problem.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger scopes base to one device session. Every line carries
// session_id and, when the upgrade request was traced, its correlation_id,
// which ties the whole lifetime of the WebSocket to the X-Correlation-ID the
// device received. A nil base uses the default logger.
func SessionLogger(ctx context.Context, base *slog.Logger, sessionID string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	l := base.With(slog.String("session_id", sessionID))
	if cid := CorrelationID(ctx); cid != "" {
		l = l.With(slog.String("correlation_id", cid))
	}
	return l
}
