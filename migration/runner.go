package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/observability"
)

const defaultLockTimeout = 60 * time.Second

// Report describes what one Apply or Rollback call did to one database.
type Report struct {
	Database       string
	Applied        []string
	RolledBack     []string
	AlreadyApplied int
}

// MigrationStatus is the state of one known migration in one database.
type MigrationStatus struct {
	ID        string
	Applied   bool
	AppliedAt time.Time
}

// StatusReport lists every known migration in resolved order, plus ledger entries no definition matches.
type StatusReport struct {
	Database   string
	Migrations []MigrationStatus
	Orphans    []LedgerEntry
}

// Pending returns the IDs of the migrations that are not applied yet.
func (s StatusReport) Pending() []string {
	pending := make([]string, 0, len(s.Migrations))
	for _, m := range s.Migrations {
		if !m.Applied {
			pending = append(pending, m.ID)
		}
	}

	return pending
}

// Runner applies and reverts migrations against one database at a time.
// It is safe for concurrent use; calls against the same database serialize on the migration lock.
type Runner struct {
	ledger           Ledger
	locker           Locker
	lockTimeout      time.Duration
	clock            func() time.Time
	contextualLogger observability.ContextualLogger
	metricsCollector observability.MetricsCollector
	tracingCollector observability.TracingCollector
}

// NewRunner creates a Runner. Without options it keeps its ledger in "migration_ledger",
// waits up to a minute for the lock, and picks the lock mechanism from the handle's dialect.
func NewRunner(options ...Option) (*Runner, error) {
	r := &Runner{
		ledger:      Ledger{table: defaultLedgerTable},
		lockTimeout: defaultLockTimeout,
		clock:       time.Now,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Ledger returns the ledger the Runner writes to.
func (r *Runner) Ledger() Ledger {
	return r.ledger
}

// Apply brings the database behind h up to date with definitions.
//
// The definitions are resolved before anything touches the database. The run then holds the
// migration lock for the database, reads the ledger, and applies every migration without a ledger
// entry in resolved order. Each migration's steps and its ledger entry commit in one transaction.
// The first failure aborts the run; migrations applied before it stay applied. The lock is released
// on every path.
func (r *Runner) Apply(ctx context.Context, h *dbconn.Handle, definitions []Definition) (report Report, err error) {
	if h == nil {
		return Report{}, ErrNilHandle
	}

	report.Database = h.Database

	ordered, err := Resolve(definitions)
	if err != nil {
		return report, err
	}

	ctx, span := r.startSpan(ctx, spanNameApply, map[string]string{
		logAttrDatabase: h.Database,
		labelDialect:    h.Dialect.String(),
	})
	defer func() {
		r.finishSpan(span, err, map[string]string{logAttrApplied: itoa(len(report.Applied))})
	}()

	release, err := r.acquire(ctx, h)
	if err != nil {
		r.logError(ctx, logMsgMigrationFailed, err, logAttrDatabase, h.Database)
		return report, err
	}
	defer r.release(ctx, h, release)

	applied, err := r.appliedIDs(ctx, h)
	if err != nil {
		r.logError(ctx, logMsgMigrationFailed, err, logAttrDatabase, h.Database)
		return report, err
	}

	pending := make([]Definition, 0, len(ordered))
	for _, def := range ordered {
		if _, ok := applied[def.id]; ok {
			report.AlreadyApplied++
			continue
		}
		pending = append(pending, def)
	}

	r.logInfo(ctx, logMsgRunningMigrations,
		logAttrDatabase, h.Database,
		logAttrPending, len(pending),
		logAttrAlreadyApplied, report.AlreadyApplied,
	)

	for _, def := range pending {
		if err = r.applyOne(ctx, h, def); err != nil {
			r.logError(ctx, logMsgMigrationFailed, err, logAttrDatabase, h.Database, logAttrMigration, def.id)
			return report, err
		}
		report.Applied = append(report.Applied, def.id)
	}

	r.logInfo(ctx, logMsgMigrationsComplete,
		logAttrDatabase, h.Database,
		logAttrApplied, len(report.Applied),
		logAttrAlreadyApplied, report.AlreadyApplied,
	)

	return report, nil
}

func (r *Runner) applyOne(ctx context.Context, h *dbconn.Handle, def Definition) (err error) {
	start := time.Now()

	ctx, span := r.startSpan(ctx, spanNameMigration, map[string]string{
		logAttrDatabase:  h.Database,
		logAttrMigration: def.id,
	})
	defer func() {
		r.finishSpan(span, err, nil)
		labels := map[string]string{logAttrDatabase: h.Database, labelStatus: statusOf(err)}
		r.recordDuration(ctx, metricApplyDuration, time.Since(start), labels)
		r.incrementCounter(ctx, metricApplied, labels)
	}()

	r.warnIfNotAtomic(ctx, h, def)

	tx, err := h.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %w", ErrMigrationFailed, def.id, err)
	}

	for i, step := range def.steps {
		if _, execErr := tx.ExecContext(ctx, step.Apply); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %s step %d: %w", ErrMigrationFailed, def.id, i+1, execErr)
		}
	}

	if insertErr := r.ledger.insert(ctx, tx, h.Dialect, def.id, r.clock().UTC()); insertErr != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %s: ledger: %w", ErrMigrationFailed, def.id, insertErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("%w: %s: commit: %w", ErrMigrationFailed, def.id, commitErr)
	}

	r.logInfo(ctx, logMsgMigrationApplied,
		logAttrDatabase, h.Database,
		logAttrMigration, def.id,
		logAttrDurationMS, toMilliseconds(time.Since(start)),
	)

	return nil
}

// Rollback reverts the count most recently applied migrations of the database behind h, in reverse
// resolved order. Dependents always come later in that order, so they are reverted before the
// migrations they depend on. If any targeted migration is irreversible nothing runs. Each migration's
// reverse steps run last-to-first and commit together with the ledger delete.
func (r *Runner) Rollback(ctx context.Context, h *dbconn.Handle, definitions []Definition, count int) (report Report, err error) {
	if h == nil {
		return Report{}, ErrNilHandle
	}

	report.Database = h.Database

	if count < 1 {
		return report, ErrInvalidRollbackCount
	}

	ordered, err := Resolve(definitions)
	if err != nil {
		return report, err
	}

	ctx, span := r.startSpan(ctx, spanNameRollback, map[string]string{
		logAttrDatabase: h.Database,
		labelDialect:    h.Dialect.String(),
	})
	defer func() {
		r.finishSpan(span, err, map[string]string{logAttrRolledBack: itoa(len(report.RolledBack))})
	}()

	release, err := r.acquire(ctx, h)
	if err != nil {
		r.logError(ctx, logMsgRollbackFailed, err, logAttrDatabase, h.Database)
		return report, err
	}
	defer r.release(ctx, h, release)

	applied, err := r.appliedIDs(ctx, h)
	if err != nil {
		r.logError(ctx, logMsgRollbackFailed, err, logAttrDatabase, h.Database)
		return report, err
	}

	targets := make([]Definition, 0, count)
	for _, def := range slices.Backward(ordered) {
		if len(targets) == count {
			break
		}
		if _, ok := applied[def.id]; ok {
			targets = append(targets, def)
		}
	}

	if err = checkReversible(targets); err != nil {
		r.logError(ctx, logMsgRollbackFailed, err, logAttrDatabase, h.Database)
		return report, err
	}

	r.logInfo(ctx, logMsgRollingBack, logAttrDatabase, h.Database, logAttrPending, len(targets))

	for _, def := range targets {
		if err = r.rollbackOne(ctx, h, def); err != nil {
			r.logError(ctx, logMsgRollbackFailed, err, logAttrDatabase, h.Database, logAttrMigration, def.id)
			return report, err
		}
		report.RolledBack = append(report.RolledBack, def.id)
	}

	r.logInfo(ctx, logMsgRollbackComplete, logAttrDatabase, h.Database, logAttrRolledBack, len(report.RolledBack))

	return report, nil
}

func checkReversible(targets []Definition) error {
	for _, def := range targets {
		if !def.Reversible() {
			return fmt.Errorf("%w: %s", ErrIrreversible, def.id)
		}
	}

	return nil
}

func (r *Runner) rollbackOne(ctx context.Context, h *dbconn.Handle, def Definition) (err error) {
	start := time.Now()

	ctx, span := r.startSpan(ctx, spanNameReverse, map[string]string{
		logAttrDatabase:  h.Database,
		logAttrMigration: def.id,
	})
	defer func() {
		r.finishSpan(span, err, nil)
		r.incrementCounter(ctx, metricRolledBack, map[string]string{
			logAttrDatabase: h.Database,
			labelStatus:     statusOf(err),
		})
	}()

	r.warnIfNotAtomic(ctx, h, def)

	tx, err := h.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %w", ErrRollbackFailed, def.id, err)
	}

	for i := len(def.steps) - 1; i >= 0; i-- {
		if _, execErr := tx.ExecContext(ctx, def.steps[i].Rollback); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: %s step %d: %w", ErrRollbackFailed, def.id, i+1, execErr)
		}
	}

	if deleteErr := r.ledger.delete(ctx, tx, h.Dialect, def.id); deleteErr != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %s: ledger: %w", ErrRollbackFailed, def.id, deleteErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("%w: %s: commit: %w", ErrRollbackFailed, def.id, commitErr)
	}

	r.logInfo(ctx, logMsgMigrationRolledBack,
		logAttrDatabase, h.Database,
		logAttrMigration, def.id,
		logAttrDurationMS, toMilliseconds(time.Since(start)),
	)

	return nil
}

// warnIfNotAtomic flags multi-step migrations on MySQL, where every DDL statement commits implicitly.
// A failing later step there leaves the earlier ones in place.
func (r *Runner) warnIfNotAtomic(ctx context.Context, h *dbconn.Handle, def Definition) {
	if h.Dialect != dbconn.DialectMySQL || len(def.steps) < 2 {
		return
	}

	r.logWarn(ctx, logMsgNotAtomic, logAttrDatabase, h.Database, logAttrMigration, def.id, logAttrSteps, len(def.steps))
}

// Status reports which of definitions are applied to the database behind h. It takes no lock and
// writes nothing; without a ledger table every migration is reported as pending.
func (r *Runner) Status(ctx context.Context, h *dbconn.Handle, definitions []Definition) (StatusReport, error) {
	if h == nil {
		return StatusReport{}, ErrNilHandle
	}

	ordered, err := Resolve(definitions)
	if err != nil {
		return StatusReport{Database: h.Database}, err
	}

	exists, err := r.ledger.Exists(ctx, h)
	if err != nil {
		return StatusReport{Database: h.Database}, err
	}

	var entries []LedgerEntry
	if exists {
		if entries, err = r.ledger.Entries(ctx, h); err != nil {
			return StatusReport{Database: h.Database}, err
		}
	}

	byID := make(map[string]LedgerEntry, len(entries))
	for _, entry := range entries {
		byID[entry.MigrationID] = entry
	}

	report := StatusReport{Database: h.Database, Migrations: make([]MigrationStatus, 0, len(ordered))}
	known := make(map[string]bool, len(ordered))

	for _, def := range ordered {
		known[def.id] = true
		entry, ok := byID[def.id]
		report.Migrations = append(report.Migrations, MigrationStatus{ID: def.id, Applied: ok, AppliedAt: entry.AppliedAt})
	}

	for _, entry := range entries {
		if !known[entry.MigrationID] {
			report.Orphans = append(report.Orphans, entry)
			r.logWarn(ctx, logMsgOrphanLedgerEntry, logAttrDatabase, h.Database, logAttrMigration, entry.MigrationID)
		}
	}

	return report, nil
}

func (r *Runner) acquire(ctx context.Context, h *dbconn.Handle) (Release, error) {
	locker := r.locker
	if locker == nil {
		locker = lockerFor(h.Dialect, defaultLockName, r.ledger.table, WithLockMetrics(r.metricsCollector))
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	start := time.Now()
	release, err := locker.Acquire(lockCtx, h)
	r.recordDuration(ctx, metricLockWaitDuration, time.Since(start), map[string]string{
		logAttrDatabase: h.Database,
		labelStatus:     statusOf(err),
	})

	if err != nil {
		if ctx.Err() == nil && errors.Is(err, ErrLockTimeout) {
			return nil, fmt.Errorf("%w after %s", err, r.lockTimeout)
		}
		return nil, err
	}

	r.logInfo(ctx, logMsgLockAcquired, logAttrDatabase, h.Database, logAttrDurationMS, toMilliseconds(time.Since(start)))

	return release, nil
}

// release frees the lock even when ctx is already canceled. A release failure is logged, never returned,
// so it cannot mask the error that ended the run.
func (r *Runner) release(ctx context.Context, h *dbconn.Handle, release Release) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		r.logWarn(ctx, logMsgLockReleaseFailed, logAttrDatabase, h.Database, logAttrError, err.Error())
	}
}

func (r *Runner) appliedIDs(ctx context.Context, h *dbconn.Handle) (map[string]time.Time, error) {
	if err := r.ledger.Ensure(ctx, h); err != nil {
		return nil, err
	}

	entries, err := r.ledger.Entries(ctx, h)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		applied[entry.MigrationID] = entry.AppliedAt
	}

	return applied, nil
}
