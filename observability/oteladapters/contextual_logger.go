// Package oteladapters provides OpenTelemetry adapters for the observability interfaces.
// They let the migration engine and the workload generator report logs, metrics, and spans
// through an OpenTelemetry SDK without implementing the interfaces themselves.
package oteladapters

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/tenantfleet/loadgen/observability"
)

const (
	logAttrTraceID = "trace_id"
	logAttrSpanID  = "span_id"
)

// SlogBridgeLogger implements observability.ContextualLogger on top of a slog.Logger.
type SlogBridgeLogger struct {
	logger *slog.Logger
}

// NewSlogBridgeLogger creates a contextual logger using the OpenTelemetry slog bridge.
// Records are emitted to the given LoggerProvider with trace correlation taken from the context.
func NewSlogBridgeLogger(name string, provider log.LoggerProvider) *SlogBridgeLogger {
	logger := otelslog.NewLogger(name, otelslog.WithLoggerProvider(provider))
	return &SlogBridgeLogger{logger: logger}
}

// NewSlogBridgeLoggerWithHandler creates a contextual logger around the provided handler.
// The handler is wrapped so that records carry trace_id and span_id when the context holds a valid span.
func NewSlogBridgeLoggerWithHandler(handler slog.Handler) *SlogBridgeLogger {
	return &SlogBridgeLogger{logger: slog.New(NewTraceCorrelationHandler(handler))}
}

// DebugContext logs a debug message with context.
func (l *SlogBridgeLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

// InfoContext logs an info message with context.
func (l *SlogBridgeLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

// WarnContext logs a warning message with context.
func (l *SlogBridgeLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

// ErrorContext logs an error message with context.
func (l *SlogBridgeLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

var _ observability.ContextualLogger = (*SlogBridgeLogger)(nil)

// TraceCorrelationHandler is a slog.Handler that adds the active trace and span IDs to every record.
type TraceCorrelationHandler struct {
	next slog.Handler
}

// NewTraceCorrelationHandler wraps next.
func NewTraceCorrelationHandler(next slog.Handler) *TraceCorrelationHandler {
	return &TraceCorrelationHandler{next: next}
}

// Enabled implements slog.Handler.
func (h *TraceCorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *TraceCorrelationHandler) Handle(ctx context.Context, record slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		record = record.Clone()
		record.AddAttrs(
			slog.String(logAttrTraceID, spanCtx.TraceID().String()),
			slog.String(logAttrSpanID, spanCtx.SpanID().String()),
		)
	}

	return h.next.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *TraceCorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceCorrelationHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *TraceCorrelationHandler) WithGroup(name string) slog.Handler {
	return &TraceCorrelationHandler{next: h.next.WithGroup(name)}
}
