package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/internal/retry"
	"github.com/tenantfleet/loadgen/observability"
)

const (
	defaultLockName     = "loadgen_migrations"
	lockPollBaseDelay   = 50 * time.Millisecond
	lockPollMaxDelay    = time.Second
	lockPollJitter      = 0.5
	lockRetryOperation  = "migration_lock"
	mysqlLockNameMaxLen = 64
	colLockKey          = "lock_key"
	colLockOwner        = "owner"
	colLockAcquiredAt   = "acquired_at"
	lockTableSuffix     = "_lock"
)

// Release frees a lock obtained from a Locker.
type Release func(ctx context.Context) error

// Locker provides mutual exclusion between runner processes working on the same database.
// Acquire blocks until the lock is held or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, h *dbconn.Handle) (Release, error)
}

// LockerOption configures the lock polling of a built-in Locker.
type LockerOption func(*lockPolling)

// WithLockMetrics records every retried lock attempt and its delay under the "migration_lock" operation.
func WithLockMetrics(collector observability.MetricsCollector) LockerOption {
	return func(p *lockPolling) {
		p.metricsCollector = collector
	}
}

// lockPolling is shared by the built-in lockers.
type lockPolling struct {
	metricsCollector observability.MetricsCollector
}

func newLockPolling(options []LockerOption) lockPolling {
	var p lockPolling
	for _, option := range options {
		option(&p)
	}

	return p
}

func (p lockPolling) poll(ctx context.Context, try func(ctx context.Context) error) error {
	return pollLock(ctx, p.metricsCollector, try)
}

// pollLock retries try until it stops reporting ErrLockHeld or ctx is done.
// Runners started together spread their attempts through jitter. A nil collector records nothing.
func pollLock(ctx context.Context, collector observability.MetricsCollector, try func(ctx context.Context) error) error {
	options := []retry.Option{
		retry.WithMaxAttempts(math.MaxInt32),
		retry.WithBaseDelay(lockPollBaseDelay),
		retry.WithMaxDelay(lockPollMaxDelay),
		retry.WithJitterFactor(lockPollJitter),
		retry.WithRetryIf(func(err error) bool { return errors.Is(err, ErrLockHeld) }),
	}
	if collector != nil {
		options = append(options, retry.WithMetrics(collector, lockRetryOperation))
	}

	err := retry.Do(ctx, try, options...)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return errors.Join(ErrLockTimeout, err)
	default:
		return errors.Join(ErrLockFailed, err)
	}
}

// lockName scopes name to one database.
func lockName(name string, h *dbconn.Handle) string {
	return name + ":" + h.Database
}

// hashLockKey turns a lock name into the int64 key expected by pg_advisory_lock.
func hashLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return int64(h.Sum64()) //nolint:gosec // wrap-around is fine for a lock key
}

// AdvisoryLocker uses a PostgreSQL session-level advisory lock.
// The lock lives on a dedicated connection taken from the handle's pool, which is returned on release.
type AdvisoryLocker struct {
	lockPolling
	name string
}

// NewAdvisoryLocker creates an AdvisoryLocker for name.
func NewAdvisoryLocker(name string, options ...LockerOption) *AdvisoryLocker {
	return &AdvisoryLocker{lockPolling: newLockPolling(options), name: name}
}

// Acquire implements Locker.
func (l *AdvisoryLocker) Acquire(ctx context.Context, h *dbconn.Handle) (Release, error) {
	key := hashLockKey(lockName(l.name, h))

	tryQuery, tryArgs, err := h.Builder().Select(goqu.Func("pg_try_advisory_lock", key)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	unlockQuery, unlockArgs, err := h.Builder().Select(goqu.Func("pg_advisory_unlock", key)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	conn, err := h.DB.Connx(ctx)
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	err = l.poll(ctx, func(ctx context.Context) error {
		var acquired bool
		if scanErr := conn.QueryRowxContext(ctx, tryQuery, tryArgs...).Scan(&acquired); scanErr != nil {
			return scanErr
		}
		if !acquired {
			return ErrLockHeld
		}

		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return func(ctx context.Context) error {
		_, unlockErr := conn.ExecContext(ctx, unlockQuery, unlockArgs...)
		return errors.Join(unlockErr, conn.Close())
	}, nil
}

// NamedLocker uses MySQL GET_LOCK on a dedicated connection.
type NamedLocker struct {
	lockPolling
	name string
}

// NewNamedLocker creates a NamedLocker for name.
func NewNamedLocker(name string, options ...LockerOption) *NamedLocker {
	return &NamedLocker{lockPolling: newLockPolling(options), name: name}
}

// Acquire implements Locker.
func (l *NamedLocker) Acquire(ctx context.Context, h *dbconn.Handle) (Release, error) {
	name := lockName(l.name, h)
	if len(name) > mysqlLockNameMaxLen {
		name = fmt.Sprintf("%s:%x", l.name, hashLockKey(name))
	}

	tryQuery, tryArgs, err := h.Builder().Select(goqu.Func("GET_LOCK", name, 0)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	releaseQuery, releaseArgs, err := h.Builder().Select(goqu.Func("RELEASE_LOCK", name)).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	conn, err := h.DB.Connx(ctx)
	if err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	err = l.poll(ctx, func(ctx context.Context) error {
		var acquired sql.NullInt64
		if scanErr := conn.QueryRowxContext(ctx, tryQuery, tryArgs...).Scan(&acquired); scanErr != nil {
			return scanErr
		}
		if !acquired.Valid || acquired.Int64 != 1 {
			return ErrLockHeld
		}

		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return func(ctx context.Context) error {
		_, releaseErr := conn.ExecContext(ctx, releaseQuery, releaseArgs...)
		return errors.Join(releaseErr, conn.Close())
	}, nil
}

// TableLocker keeps the lock as a row in a table next to the ledger. It works on any dialect and is
// the lock used for SQLite. A crashed holder leaves its row behind; it has to be deleted by hand.
type TableLocker struct {
	lockPolling
	name  string
	table string
	clock func() time.Time
}

// NewTableLocker creates a TableLocker storing its row in table.
func NewTableLocker(name, table string, options ...LockerOption) *TableLocker {
	return &TableLocker{lockPolling: newLockPolling(options), name: name, table: table, clock: time.Now}
}

// Acquire implements Locker.
func (l *TableLocker) Acquire(ctx context.Context, h *dbconn.Handle) (Release, error) {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) NOT NULL PRIMARY KEY, %s VARCHAR(64) NOT NULL, %s TIMESTAMP NOT NULL)",
		l.table, colLockKey, colLockOwner, colLockAcquiredAt,
	)
	if _, err := h.DB.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Join(ErrLockFailed, err)
	}

	key := lockName(l.name, h)
	owner := uuid.NewString()

	err := l.poll(ctx, func(ctx context.Context) error {
		return l.tryInsert(ctx, h, key, owner)
	})
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		query, args, buildErr := h.Builder().
			Delete(l.table).
			Where(goqu.C(colLockKey).Eq(key), goqu.C(colLockOwner).Eq(owner)).
			Prepared(true).
			ToSQL()
		if buildErr != nil {
			return buildErr
		}

		_, execErr := h.DB.ExecContext(ctx, query, args...)

		return execErr
	}, nil
}

func (l *TableLocker) tryInsert(ctx context.Context, h *dbconn.Handle, key, owner string) error {
	query, args, err := h.Builder().
		Insert(l.table).
		Rows(goqu.Record{colLockKey: key, colLockOwner: owner, colLockAcquiredAt: l.clock().UTC()}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	_, insertErr := h.DB.ExecContext(ctx, query, args...)
	if insertErr == nil {
		return nil
	}

	// A failed insert means "held" only if the row is really there; anything else is a driver error.
	countQuery, countArgs, err := h.Builder().
		From(l.table).
		Select(goqu.COUNT("*")).
		Where(goqu.C(colLockKey).Eq(key)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	var holders int64
	if countErr := h.DB.GetContext(ctx, &holders, countQuery, countArgs...); countErr != nil {
		return errors.Join(insertErr, countErr)
	}

	if holders > 0 {
		return ErrLockHeld
	}

	return insertErr
}

// lockerFor returns the default Locker for the dialect of h.
func lockerFor(dialect dbconn.Dialect, name, ledgerTable string, options ...LockerOption) Locker {
	switch dialect {
	case dbconn.DialectPostgres:
		return NewAdvisoryLocker(name, options...)
	case dbconn.DialectMySQL:
		return NewNamedLocker(name, options...)
	default:
		return NewTableLocker(name, ledgerTable+lockTableSuffix, options...)
	}
}
