package workload

import (
	"context"
	"math/rand"
	"time"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/observability"
)

const (
	defaultMinDelay = time.Second
	defaultMaxDelay = 5 * time.Second
)

// Handles provides database handles by name. *dbconn.Manager implements it.
type Handles interface {
	Get(ctx context.Context, database string) (*dbconn.Handle, error)
	Invalidate(ctx context.Context, database string)
}

// Executor runs one operation against a handle. *OperationSet implements it.
type Executor interface {
	Execute(ctx context.Context, kind Kind, h *dbconn.Handle) (Outcome, error)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Scheduler drives the workload against one database: it draws an operation, runs it, and sleeps for a
// random delay, until its context is canceled. A Scheduler is owned by a single goroutine.
type Scheduler struct {
	database         string
	handles          Handles
	executor         Executor
	rnd              *rand.Rand
	minDelay         time.Duration
	maxDelay         time.Duration
	sleep            Sleeper
	contextualLogger observability.ContextualLogger
	metricsCollector observability.MetricsCollector
	tracingCollector observability.TracingCollector
}

// NewScheduler creates a Scheduler for database. Without options it sleeps between one and five seconds.
func NewScheduler(database string, handles Handles, executor Executor, rnd *rand.Rand, options ...Option) (*Scheduler, error) {
	if handles == nil {
		return nil, ErrNilHandles
	}

	if executor == nil {
		return nil, ErrNilExecutor
	}

	if rnd == nil {
		return nil, ErrNilRand
	}

	s := &Scheduler{
		database: database,
		handles:  handles,
		executor: executor,
		rnd:      rnd,
		minDelay: defaultMinDelay,
		maxDelay: defaultMaxDelay,
		sleep:    sleepContext,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Run executes operations until ctx is canceled, then returns nil.
// Cancellation is observed only while sleeping and between operations; an operation that has started
// runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logInfo(ctx, logMsgStartingCRUDLoop,
		logAttrDatabase, s.database,
		logAttrMinDelayMS, s.minDelay.Milliseconds(),
		logAttrMaxDelayMS, s.maxDelay.Milliseconds(),
	)
	s.recordValue(ctx, metricActiveUnits, 1)

	defer func() {
		s.recordValue(context.WithoutCancel(ctx), metricActiveUnits, 0)
		s.logInfo(context.WithoutCancel(ctx), logMsgCRUDLoopStopped, logAttrDatabase, s.database)
	}()

	for ctx.Err() == nil {
		_, _ = s.RunOnce(ctx)

		if err := s.sleep(ctx, s.nextDelay()); err != nil {
			return nil
		}
	}

	return nil
}

// RunOnce draws one operation and executes it. Failures are handled here: they are logged, the
// database connection is invalidated, and the error is returned for inspection only.
func (s *Scheduler) RunOnce(ctx context.Context) (Outcome, error) {
	kind := Pick(s.rnd)
	opCtx := context.WithoutCancel(ctx)
	start := time.Now()

	opCtx, span := s.startSpan(opCtx, spanNameOperation, map[string]string{
		logAttrDatabase:  s.database,
		logAttrOperation: kind.String(),
	})

	outcome, err := s.execute(opCtx, kind)

	status := observability.StatusSuccess
	switch {
	case err != nil:
		status = observability.StatusError
		s.logWarn(opCtx, logMsgOperationFailed,
			logAttrDatabase, s.database,
			logAttrOperation, kind.String(),
			logAttrError, err.Error(),
		)
		s.handles.Invalidate(opCtx, s.database)
	case outcome.Skipped:
		status = observability.StatusSkipped
		s.logDebug(opCtx, logMsgOperationSkipped, logAttrDatabase, s.database, logAttrOperation, kind.String())
	default:
		s.logInfo(opCtx, outcome.Event, append([]any{logAttrDatabase, s.database}, outcome.Fields...)...)
	}

	labels := map[string]string{
		logAttrDatabase:  s.database,
		logAttrOperation: kind.String(),
		labelStatus:      status,
	}
	s.recordDuration(opCtx, metricOperationDuration, time.Since(start), labels)
	s.incrementCounter(opCtx, metricOperations, labels)
	s.finishSpan(span, status, err)

	return outcome, err
}

func (s *Scheduler) execute(ctx context.Context, kind Kind) (Outcome, error) {
	h, err := s.handles.Get(ctx, s.database)
	if err != nil {
		return Outcome{Kind: kind}, err
	}

	return s.executor.Execute(ctx, kind, h)
}

// nextDelay draws a uniform delay in [minDelay, maxDelay].
func (s *Scheduler) nextDelay() time.Duration {
	if s.maxDelay <= s.minDelay {
		return s.minDelay
	}

	return s.minDelay + time.Duration(s.rnd.Int63n(int64(s.maxDelay-s.minDelay)+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
