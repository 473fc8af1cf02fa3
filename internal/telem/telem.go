package telem

import (
	"context"

	kitlog "github.com/go-kit/kit/log"
	"go.opencensus.io/trace"
)

type contextKey struct{}

// WithLogger stores a logger in the context, for use by StartSpan and LoggerFrom
func WithLogger(ctx context.Context, logger kitlog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or a no-op logger if none was
// set.
func LoggerFrom(ctx context.Context) kitlog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(kitlog.Logger); ok {
		return logger
	}

	return kitlog.NewNopLogger()
}

// StartSpan starts a new span and returns a logger, taken from the context, decorated
// with the trace ID of the span.
func StartSpan(ctx context.Context, name string) (context.Context, *trace.Span, kitlog.Logger) {
	ctx, span, logger := Logger(ctx, LoggerFrom(ctx))(trace.StartSpan(ctx, name))
	return WithLogger(ctx, logger), span, logger
}

// Logger can be used to tie logs to an on-going span. It is intended to wrap a
// trace.StartSpan call, like so:
//
//	telem.Logger(ctx, logger)(trace.StartSpan(ctx, "pkg/sink.Sink.flush"))
//
// The logs will be decorated with a trace_id. Root context is provided to avoid doubly
// annotating the trace ID onto the same logger.
func Logger(rootCtx context.Context, logger kitlog.Logger) func(context.Context, *trace.Span) (context.Context, *trace.Span, kitlog.Logger) {
	return func(ctx context.Context, span *trace.Span) (context.Context, *trace.Span, kitlog.Logger) {
		// If the root context already has a trace, assume our logger has been tagged and do
		// nothing.
		if trace.FromContext(rootCtx) != nil {
			return ctx, span, logger
		}

		// If there's no span, we can assume no tracing is configured. No point annotating the
		// logger with a nil trace ID.
		if span == nil {
			return ctx, span, logger
		}

		return ctx, span, kitlog.With(logger,
			"trace_id", span.SpanContext().TraceID)
	}
}
