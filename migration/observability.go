package migration

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/tenantfleet/loadgen/observability"
)

const (
	logMsgRunningMigrations   = "running_migrations"
	logMsgLockAcquired        = "migration_lock_acquired"
	logMsgLockReleaseFailed   = "migration_lock_release_failed"
	logMsgMigrationApplied    = "migration_applied"
	logMsgMigrationsComplete  = "migrations_complete"
	logMsgMigrationFailed     = "migration_failed"
	logMsgRollingBack         = "rolling_back_migrations"
	logMsgMigrationRolledBack = "migration_rolled_back"
	logMsgRollbackComplete    = "rollback_complete"
	logMsgRollbackFailed      = "migration_rollback_failed"
	logMsgOrphanLedgerEntry   = "unknown_ledger_entry"
	logMsgNotAtomic           = "migration_not_atomic"
	logAttrDatabase           = "database"
	logAttrMigration          = "migration"
	logAttrApplied            = "applied"
	logAttrAlreadyApplied     = "already_applied"
	logAttrRolledBack         = "rolled_back"
	logAttrPending            = "pending"
	logAttrDurationMS         = "duration_ms"
	logAttrSteps              = "steps"
	logAttrError              = "error"

	metricApplyDuration    = "migration_apply_duration_seconds"
	metricApplied          = "migrations_applied_total"
	metricRolledBack       = "migrations_rolled_back_total"
	metricLockWaitDuration = "migration_lock_wait_duration_seconds"
	labelDialect           = "dialect"
	labelStatus            = "status"

	spanNameApply     = "migration.apply"
	spanNameRollback  = "migration.rollback"
	spanNameMigration = "migration.migrate"
	spanNameReverse   = "migration.reverse"
)

func (r *Runner) logInfo(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (r *Runner) logWarn(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (r *Runner) logError(ctx context.Context, msg string, err error, args ...any) {
	if r.contextualLogger != nil {
		allArgs := append(args, logAttrError, err.Error())
		r.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	}
}

func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

func (r *Runner) recordDuration(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	if r.metricsCollector == nil {
		return
	}

	if contextual, ok := r.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	r.metricsCollector.RecordDuration(metric, duration, labels)
}

func (r *Runner) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if r.metricsCollector == nil {
		return
	}

	if contextual, ok := r.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	r.metricsCollector.IncrementCounter(metric, labels)
}

func (r *Runner) startSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, observability.SpanContext) {
	if r.tracingCollector != nil {
		return r.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

func (r *Runner) finishSpan(span observability.SpanContext, err error, attrs map[string]string) {
	if r.tracingCollector == nil || span == nil {
		return
	}

	status := observability.StatusSuccess
	if err != nil {
		status = observability.StatusError
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[logAttrError] = err.Error()
	}

	r.tracingCollector.FinishSpan(span, status, attrs)
}

func statusOf(err error) string {
	if err != nil {
		return observability.StatusError
	}

	return observability.StatusSuccess
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
