package workload

import (
	"time"

	"github.com/tenantfleet/loadgen/observability"
)

// Option defines a functional option for configuring a Scheduler.
type Option func(*Scheduler) error

// WithDelayRange sets the bounds of the random pause after each operation. Equal bounds give a fixed pause.
func WithDelayRange(minDelay, maxDelay time.Duration) Option {
	return func(s *Scheduler) error {
		if minDelay < 0 || maxDelay < minDelay {
			return ErrInvalidDelayRange
		}

		s.minDelay = minDelay
		s.maxDelay = maxDelay

		return nil
	}
}

// WithSleeper replaces the timer-based pause, mainly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(s *Scheduler) error {
		if sleep == nil {
			return ErrNilSleeper
		}

		s.sleep = sleep

		return nil
	}
}

// WithContextualLogger sets the logger for the Scheduler.
// Debug level: skipped operations. Info level: completed operations. Warn level: failed operations.
func WithContextualLogger(logger observability.ContextualLogger) Option {
	return func(s *Scheduler) error {
		s.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Scheduler.
func WithMetrics(collector observability.MetricsCollector) Option {
	return func(s *Scheduler) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Scheduler. Every operation gets its own span.
func WithTracing(collector observability.TracingCollector) Option {
	return func(s *Scheduler) error {
		s.tracingCollector = collector
		return nil
	}
}
