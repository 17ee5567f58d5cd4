package workload

import (
	"context"
	"time"

	"github.com/tenantfleet/loadgen/observability"
)

const (
	logMsgStartingCRUDLoop = "starting_crud_loop"
	logMsgCRUDLoopStopped  = "crud_loop_stopped"
	logMsgOperationFailed  = "operation_failed"
	logMsgOperationSkipped = "operation_skipped"
	logAttrDatabase        = "database"
	logAttrOperation       = "operation"
	logAttrMinDelayMS      = "min_delay_ms"
	logAttrMaxDelayMS      = "max_delay_ms"
	logAttrError           = "error"

	metricOperationDuration = "workload_operation_duration_seconds"
	metricOperations        = "workload_operations_total"
	metricActiveUnits       = "workload_active_units"
	labelStatus             = "status"

	spanNameOperation = "workload.operation"
)

func (s *Scheduler) logDebug(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.DebugContext(ctx, msg, args...)
	}
}

func (s *Scheduler) logInfo(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (s *Scheduler) logWarn(ctx context.Context, msg string, args ...any) {
	if s.contextualLogger != nil {
		s.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (s *Scheduler) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	s.metricsCollector.RecordDuration(metric, duration, labels)
}

func (s *Scheduler) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if s.metricsCollector == nil {
		return
	}

	if contextual, ok := s.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	s.metricsCollector.IncrementCounter(metric, labels)
}

func (s *Scheduler) recordValue(ctx context.Context, metric string, value float64) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{logAttrDatabase: s.database}
	if contextual, ok := s.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, labels)
		return
	}

	s.metricsCollector.RecordValue(metric, value, labels)
}

func (s *Scheduler) startSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, observability.SpanContext) {
	if s.tracingCollector != nil {
		return s.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

func (s *Scheduler) finishSpan(span observability.SpanContext, status string, err error) {
	if s.tracingCollector == nil || span == nil {
		return
	}

	var attrs map[string]string
	if err != nil {
		attrs = map[string]string{logAttrError: err.Error()}
	}

	s.tracingCollector.FinishSpan(span, status, attrs)
}
