package migration

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every error that is detected before any database is touched.
var ErrConfiguration = errors.New("migration configuration error")

var (
	// ErrInvalidDefinition is returned for a definition without ID or steps, or with an empty step.
	ErrInvalidDefinition = fmt.Errorf("%w: invalid migration definition", ErrConfiguration)

	// ErrDuplicateMigrationID is returned when two definitions share an ID.
	ErrDuplicateMigrationID = fmt.Errorf("%w: duplicate migration id", ErrConfiguration)

	// ErrMissingDependency is returned when a definition depends on an ID that is not in the collection.
	ErrMissingDependency = fmt.Errorf("%w: missing dependency", ErrConfiguration)

	// ErrSelfDependency is returned when a definition lists itself as a dependency.
	ErrSelfDependency = fmt.Errorf("%w: migration depends on itself", ErrConfiguration)

	// ErrDependencyCycle is returned when the dependency graph contains a cycle.
	ErrDependencyCycle = fmt.Errorf("%w: dependency cycle", ErrConfiguration)

	// ErrInvalidLedgerTable is returned for a ledger table name that is not a plain identifier.
	ErrInvalidLedgerTable = fmt.Errorf("%w: invalid ledger table name", ErrConfiguration)
)

var (
	// ErrMigrationFailed is returned when a forward step or the ledger write of a migration fails.
	// The migration's transaction has been rolled back and no ledger entry exists for it.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrRollbackFailed is returned when a reverse step or the ledger delete of a migration fails.
	ErrRollbackFailed = errors.New("migration rollback failed")

	// ErrIrreversible is returned when a rollback targets a migration with a step that has no reverse statement.
	ErrIrreversible = errors.New("migration has no rollback statement")

	// ErrInvalidRollbackCount is returned when fewer than one migration is requested for rollback.
	ErrInvalidRollbackCount = errors.New("rollback count must be positive")

	// ErrLedgerUnavailable is returned when the ledger table cannot be created or read.
	ErrLedgerUnavailable = errors.New("migration ledger unavailable")

	// ErrLockHeld signals that another session holds the migration lock. Acquisition retries on it.
	ErrLockHeld = errors.New("migration lock is held by another session")

	// ErrLockTimeout is returned when the migration lock could not be acquired in time.
	ErrLockTimeout = errors.New("timed out waiting for migration lock")

	// ErrLockFailed is returned when acquiring the migration lock fails for another reason.
	ErrLockFailed = errors.New("failed to acquire migration lock")

	// ErrNilHandle is returned when a nil database handle is passed to the runner.
	ErrNilHandle = errors.New("database handle must not be nil")

	// ErrInvalidLockTimeout is returned for a non-positive lock timeout.
	ErrInvalidLockTimeout = errors.New("lock timeout must be positive")

	// ErrNilLocker is returned when WithLocker receives nil.
	ErrNilLocker = errors.New("locker must not be nil")

	// ErrNilClock is returned when WithClock receives nil.
	ErrNilClock = errors.New("clock must not be nil")
)
