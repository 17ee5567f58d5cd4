// Package retry implements exponential backoff with jitter for operations that may succeed on a later attempt,
// such as waiting for a lock that another process currently holds.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tenantfleet/loadgen/observability"
)

const (
	defaultMaxAttempts  = 6
	defaultBaseDelay    = 10 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
	defaultJitterFactor = 0.3

	metricRetries    = "retry_attempts_total"
	metricRetryDelay = "retry_delay_seconds"
	labelOperation   = "operation"
	labelAttempt     = "attempt_number"
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidMaxDelay is returned when the max delay is smaller than the base delay or not positive.
	ErrInvalidMaxDelay = errors.New("max delay must be positive")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")

	// ErrNilPredicate is returned when WithRetryIf receives nil.
	ErrNilPredicate = errors.New("retry predicate must not be nil")

	// ErrNilMetricsCollector is returned when a nil metrics collector is provided to WithMetrics.
	ErrNilMetricsCollector = errors.New("metrics collector must not be nil")
)

// Func is a unit of work that can be retried.
type Func func(ctx context.Context) error

type config struct {
	maxAttempts      int
	baseDelay        time.Duration
	maxDelay         time.Duration
	jitterFactor     float64
	retryIf          func(error) bool
	metricsCollector observability.MetricsCollector
	operation        string
}

// Option configures retry behavior.
type Option func(*config) error

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are used up, or ctx is done.
//
// Delays grow as baseDelay * 2^(attempt-1), capped at maxDelay, plus up to jitterFactor of random jitter.
// Without WithRetryIf every error is retryable. When ctx is done while waiting, the last error from fn is
// returned joined with ctx.Err().
func Do(ctx context.Context, fn Func, options ...Option) error {
	cfg := &config{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		jitterFactor: defaultJitterFactor,
		retryIf:      func(error) bool { return true },
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return err
		}
	}

	var lastErr error

	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt)
			recordDelay(ctx, cfg, attempt, delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !cfg.retryIf(lastErr) {
			return lastErr
		}

		recordAttempt(ctx, cfg, attempt)
	}

	return lastErr
}

func backoff(cfg *config, attempt int) time.Duration {
	delay := cfg.baseDelay
	for i := 1; i < attempt && delay < cfg.maxDelay; i++ {
		delay *= 2
	}

	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}

	jitter := rand.Float64() * float64(delay) * cfg.jitterFactor //nolint:gosec // math/rand is sufficient for jitter

	return delay + time.Duration(jitter)
}

func recordDelay(ctx context.Context, cfg *config, attempt int, delay time.Duration) {
	if cfg.metricsCollector == nil {
		return
	}

	labels := map[string]string{labelOperation: cfg.operation, labelAttempt: fmt.Sprintf("%d", attempt)}
	if contextual, ok := cfg.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metricRetryDelay, delay, labels)
		return
	}

	cfg.metricsCollector.RecordDuration(metricRetryDelay, delay, labels)
}

func recordAttempt(ctx context.Context, cfg *config, attempt int) {
	if cfg.metricsCollector == nil || attempt >= cfg.maxAttempts-1 {
		return
	}

	labels := map[string]string{labelOperation: cfg.operation}
	if contextual, ok := cfg.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metricRetries, labels)
		return
	}

	cfg.metricsCollector.IncrementCounter(metricRetries, labels)
}

// WithMaxAttempts sets the maximum number of attempts, including the first one.
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}

		cfg.maxAttempts = attempts

		return nil
	}
}

// WithBaseDelay sets the delay before the second attempt.
func WithBaseDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}

		cfg.baseDelay = delay

		return nil
	}
}

// WithMaxDelay caps the exponential growth of the delay, before jitter.
func WithMaxDelay(delay time.Duration) Option {
	return func(cfg *config) error {
		if delay <= 0 {
			return ErrInvalidMaxDelay
		}

		cfg.maxDelay = delay

		return nil
	}
}

// WithJitterFactor sets the jitter as a fraction of the computed delay.
// Valid range: 0.0 (no jitter) to 1.0 (100% jitter).
func WithJitterFactor(factor float64) Option {
	return func(cfg *config) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}

		cfg.jitterFactor = factor

		return nil
	}
}

// WithRetryIf restricts retries to errors for which predicate returns true.
func WithRetryIf(predicate func(error) bool) Option {
	return func(cfg *config) error {
		if predicate == nil {
			return ErrNilPredicate
		}

		cfg.retryIf = predicate

		return nil
	}
}

// WithMetrics records retry attempts and delays labeled with operation.
func WithMetrics(collector observability.MetricsCollector, operation string) Option {
	return func(cfg *config) error {
		if collector == nil {
			return ErrNilMetricsCollector
		}

		cfg.metricsCollector = collector
		cfg.operation = operation

		return nil
	}
}
