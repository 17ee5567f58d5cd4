package observability

import (
	"context"
	"time"
)

// TeeLogger forwards every log call to all wrapped loggers in order.
type TeeLogger struct {
	loggers []ContextualLogger
}

// NewTeeLogger creates a TeeLogger. Nil loggers are skipped.
func NewTeeLogger(loggers ...ContextualLogger) *TeeLogger {
	tee := &TeeLogger{}
	for _, l := range loggers {
		if l != nil {
			tee.loggers = append(tee.loggers, l)
		}
	}

	return tee
}

// DebugContext implements ContextualLogger.
func (t *TeeLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	for _, l := range t.loggers {
		l.DebugContext(ctx, msg, args...)
	}
}

// InfoContext implements ContextualLogger.
func (t *TeeLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	for _, l := range t.loggers {
		l.InfoContext(ctx, msg, args...)
	}
}

// WarnContext implements ContextualLogger.
func (t *TeeLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	for _, l := range t.loggers {
		l.WarnContext(ctx, msg, args...)
	}
}

// ErrorContext implements ContextualLogger.
func (t *TeeLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	for _, l := range t.loggers {
		l.ErrorContext(ctx, msg, args...)
	}
}

var _ ContextualLogger = (*TeeLogger)(nil)

// FanOutMetrics forwards every metric to all wrapped collectors, using the contextual variant where a
// collector supports it.
type FanOutMetrics struct {
	collectors []MetricsCollector
}

// NewFanOutMetrics creates a FanOutMetrics. Nil collectors are skipped.
func NewFanOutMetrics(collectors ...MetricsCollector) *FanOutMetrics {
	fan := &FanOutMetrics{}
	for _, c := range collectors {
		if c != nil {
			fan.collectors = append(fan.collectors, c)
		}
	}

	return fan
}

// RecordDuration implements MetricsCollector.
func (f *FanOutMetrics) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	for _, c := range f.collectors {
		c.RecordDuration(metric, duration, labels)
	}
}

// IncrementCounter implements MetricsCollector.
func (f *FanOutMetrics) IncrementCounter(metric string, labels map[string]string) {
	for _, c := range f.collectors {
		c.IncrementCounter(metric, labels)
	}
}

// RecordValue implements MetricsCollector.
func (f *FanOutMetrics) RecordValue(metric string, value float64, labels map[string]string) {
	for _, c := range f.collectors {
		c.RecordValue(metric, value, labels)
	}
}

// RecordDurationContext implements ContextualMetricsCollector.
func (f *FanOutMetrics) RecordDurationContext(
	ctx context.Context,
	metric string,
	duration time.Duration,
	labels map[string]string,
) {
	for _, c := range f.collectors {
		if cc, ok := c.(ContextualMetricsCollector); ok {
			cc.RecordDurationContext(ctx, metric, duration, labels)
			continue
		}
		c.RecordDuration(metric, duration, labels)
	}
}

// IncrementCounterContext implements ContextualMetricsCollector.
func (f *FanOutMetrics) IncrementCounterContext(ctx context.Context, metric string, labels map[string]string) {
	for _, c := range f.collectors {
		if cc, ok := c.(ContextualMetricsCollector); ok {
			cc.IncrementCounterContext(ctx, metric, labels)
			continue
		}
		c.IncrementCounter(metric, labels)
	}
}

// RecordValueContext implements ContextualMetricsCollector.
func (f *FanOutMetrics) RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string) {
	for _, c := range f.collectors {
		if cc, ok := c.(ContextualMetricsCollector); ok {
			cc.RecordValueContext(ctx, metric, value, labels)
			continue
		}
		c.RecordValue(metric, value, labels)
	}
}

var _ ContextualMetricsCollector = (*FanOutMetrics)(nil)
