package migration

import (
	"time"

	"github.com/tenantfleet/loadgen/observability"
)

// Option defines a functional option for configuring a Runner.
type Option func(*Runner) error

// WithLedgerTable sets the name of the ledger table. The lock table used on SQLite is derived from it.
func WithLedgerTable(table string) Option {
	return func(r *Runner) error {
		ledger, err := NewLedger(table)
		if err != nil {
			return err
		}

		r.ledger = ledger

		return nil
	}
}

// WithLocker replaces the per-dialect default lock.
func WithLocker(locker Locker) Option {
	return func(r *Runner) error {
		if locker == nil {
			return ErrNilLocker
		}

		r.locker = locker

		return nil
	}
}

// WithLockTimeout bounds how long Apply and Rollback wait for the lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(r *Runner) error {
		if timeout <= 0 {
			return ErrInvalidLockTimeout
		}

		r.lockTimeout = timeout

		return nil
	}
}

// WithClock sets the source of ledger timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) error {
		if clock == nil {
			return ErrNilClock
		}

		r.clock = clock

		return nil
	}
}

// WithContextualLogger sets the logger for the Runner.
// Info level: runs, applied and rolled back migrations. Warn level: lock release failures.
// Error level: failed migrations.
func WithContextualLogger(logger observability.ContextualLogger) Option {
	return func(r *Runner) error {
		r.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Runner.
// It receives per-migration durations, applied counts, and lock wait durations.
func WithMetrics(collector observability.MetricsCollector) Option {
	return func(r *Runner) error {
		r.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Runner.
// Apply and Rollback each open a span, with one child span per migration.
func WithTracing(collector observability.TracingCollector) Option {
	return func(r *Runner) error {
		r.tracingCollector = collector
		return nil
	}
}
