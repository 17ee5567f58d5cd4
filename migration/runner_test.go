package migration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/migration"
	"github.com/tenantfleet/loadgen/testutil"
)

func givenTableMigration(t *testing.T, id, table string, dependsOn ...string) migration.Definition {
	t.Helper()

	def, err := migration.NewDefinition(
		id,
		[]migration.Step{
			{Apply: "CREATE TABLE " + table + " (id INTEGER PRIMARY KEY)", Rollback: "DROP TABLE " + table},
			{Apply: "CREATE INDEX ix_" + table + "_id ON " + table + " (id)", Rollback: "DROP INDEX ix_" + table + "_id"},
		},
		dependsOn...,
	)
	require.NoError(t, err)

	return def
}

func givenRunner(t *testing.T, options ...migration.Option) *migration.Runner {
	t.Helper()

	runner, err := migration.NewRunner(options...)
	require.NoError(t, err)

	return runner
}

func schemaObjectExists(t *testing.T, h *dbconn.Handle, name string) bool {
	t.Helper()

	var count int
	err := h.DB.GetContext(
		context.Background(),
		&count,
		"SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view', 'index') AND name = ?",
		name,
	)
	require.NoError(t, err)

	return count > 0
}

// schemaSnapshot lists every schema object with its defining statement.
func schemaSnapshot(t *testing.T, h *dbconn.Handle) []string {
	t.Helper()

	var objects []string
	err := h.DB.SelectContext(
		context.Background(),
		&objects,
		"SELECT type || ':' || name || ':' || COALESCE(sql, '') FROM sqlite_master ORDER BY type, name",
	)
	require.NoError(t, err)

	return objects
}

func ledgerIDs(t *testing.T, runner *migration.Runner, h *dbconn.Handle) []string {
	t.Helper()

	entries, err := runner.Ledger().Entries(context.Background(), h)
	require.NoError(t, err)

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.MigrationID)
	}

	return ids
}

func Test_Runner_Apply_When_DatabaseIsFresh_Should_ApplyAllInResolvedOrder(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	fixedTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	runner := givenRunner(t, migration.WithClock(func() time.Time { return fixedTime }))
	definitions := []migration.Definition{
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
		givenTableMigration(t, "0001_customers", "customers"),
	}

	// act
	report, err := runner.Apply(ctx, handle, definitions)

	// assert
	require.NoError(t, err)
	assert.Equal(t, "tenant_db_alpha", report.Database)
	assert.Equal(t, []string{"0001_customers", "0002_orders"}, report.Applied)
	assert.Zero(t, report.AlreadyApplied)
	assert.True(t, schemaObjectExists(t, handle, "customers"))
	assert.True(t, schemaObjectExists(t, handle, "ix_orders_id"))

	entries, err := runner.Ledger().Entries(ctx, handle)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tenant_db_alpha", entries[0].Database)
	assert.WithinDuration(t, fixedTime, entries[0].AppliedAt, time.Second)
}

func Test_Runner_Apply_When_RunTwice_Should_ApplyNothingTheSecondTime(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
		migration.MustDefinition("0003_apply_log", []migration.Step{
			{Apply: "CREATE TABLE IF NOT EXISTS apply_log (n INTEGER)", Rollback: "DROP TABLE apply_log"},
			{Apply: "INSERT INTO apply_log (n) VALUES (1)"},
		}),
	}
	_, err := runner.Apply(ctx, handle, definitions)
	require.NoError(t, err)
	schemaBefore := schemaSnapshot(t, handle)
	entriesBefore, err := runner.Ledger().Entries(ctx, handle)
	require.NoError(t, err)

	// act
	report, err := runner.Apply(ctx, handle, definitions)

	// assert
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, 3, report.AlreadyApplied)
	assert.Equal(t, schemaBefore, schemaSnapshot(t, handle), "no migration statement may run again")

	entriesAfter, err := runner.Ledger().Entries(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, entriesBefore, entriesAfter)

	var executions int
	require.NoError(t, handle.DB.GetContext(ctx, &executions, "SELECT COUNT(*) FROM apply_log"))
	assert.Equal(t, 1, executions)
}

func Test_Runner_Apply_When_AStepFails_Should_RollBackThatMigrationAndStop(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	broken := migration.MustDefinition(
		"0002_orders",
		[]migration.Step{
			{Apply: "CREATE TABLE orders (id INTEGER PRIMARY KEY)", Rollback: "DROP TABLE orders"},
			{Apply: "INSERT INTO no_such_table VALUES (1)"},
		},
		"0001_customers",
	)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		broken,
		givenTableMigration(t, "0003_items", "items", "0002_orders"),
	}

	// act
	report, err := runner.Apply(ctx, handle, definitions)

	// assert
	require.ErrorIs(t, err, migration.ErrMigrationFailed)
	assert.Contains(t, err.Error(), "0002_orders step 2")
	assert.Equal(t, []string{"0001_customers"}, report.Applied, "earlier migrations stay applied")
	assert.False(t, schemaObjectExists(t, handle, "orders"), "the failed migration's first step must be rolled back")
	assert.False(t, schemaObjectExists(t, handle, "items"), "the run must stop at the first failure")
	assert.Equal(t, []string{"0001_customers"}, ledgerIDs(t, runner, handle))
}

func Test_Runner_Apply_When_RerunAfterFix_Should_ResumeWithThePendingMigrations(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	first := givenTableMigration(t, "0001_customers", "customers")
	broken := migration.MustDefinition("0002_orders", []migration.Step{{Apply: "CREATE TABLE orders ("}}, "0001_customers")
	_, err := runner.Apply(ctx, handle, []migration.Definition{first, broken})
	require.Error(t, err)

	// act
	report, err := runner.Apply(ctx, handle, []migration.Definition{first, givenTableMigration(t, "0002_orders", "orders", "0001_customers")})

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_orders"}, report.Applied)
	assert.Equal(t, 1, report.AlreadyApplied)
}

func Test_Runner_Apply_When_DefinitionsDoNotResolve_Should_NotTouchTheDatabase(t *testing.T) {
	// arrange
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	definitions := []migration.Definition{
		givenTableMigration(t, "a", "alpha", "b"),
		givenTableMigration(t, "b", "beta", "a"),
	}

	// act
	_, err := runner.Apply(context.Background(), handle, definitions)

	// assert
	require.ErrorIs(t, err, migration.ErrDependencyCycle)
	assert.False(t, schemaObjectExists(t, handle, "migration_ledger"))
	assert.False(t, schemaObjectExists(t, handle, "migration_ledger_lock"))
}

func Test_Runner_Apply_When_LockIsHeld_Should_TimeOut(t *testing.T) {
	// arrange
	ctx := context.Background()
	connector := testutil.GivenSQLiteConnector(t)
	holderHandle, err := connector.Connect(ctx, "tenant_db_alpha")
	require.NoError(t, err)
	t.Cleanup(func() { _ = holderHandle.Close() })
	runnerHandle, err := connector.Connect(ctx, "tenant_db_alpha")
	require.NoError(t, err)
	t.Cleanup(func() { _ = runnerHandle.Close() })

	holder := migration.NewTableLocker("loadgen_migrations", "migration_ledger_lock")
	release, err := holder.Acquire(ctx, holderHandle)
	require.NoError(t, err)

	runner := givenRunner(t, migration.WithLockTimeout(200*time.Millisecond))
	definitions := []migration.Definition{givenTableMigration(t, "0001_customers", "customers")}

	// act
	_, err = runner.Apply(ctx, runnerHandle, definitions)

	// assert
	require.ErrorIs(t, err, migration.ErrLockTimeout)
	assert.False(t, schemaObjectExists(t, runnerHandle, "customers"))

	require.NoError(t, release(ctx))
	report, err := runner.Apply(ctx, runnerHandle, definitions)
	require.NoError(t, err, "apply should succeed once the lock is free")
	assert.Equal(t, []string{"0001_customers"}, report.Applied)
}

func Test_Runner_Apply_When_WaitingForTheLock_Should_CountLockRetries(t *testing.T) {
	// arrange
	ctx := context.Background()
	connector := testutil.GivenSQLiteConnector(t)
	holderHandle, err := connector.Connect(ctx, "tenant_db_alpha")
	require.NoError(t, err)
	t.Cleanup(func() { _ = holderHandle.Close() })
	runnerHandle, err := connector.Connect(ctx, "tenant_db_alpha")
	require.NoError(t, err)
	t.Cleanup(func() { _ = runnerHandle.Close() })

	holder := migration.NewTableLocker("loadgen_migrations", "migration_ledger_lock")
	release, err := holder.Acquire(ctx, holderHandle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = release(ctx) })

	metrics := testutil.NewMetricsCollectorSpy()
	runner := givenRunner(t, migration.WithLockTimeout(150*time.Millisecond), migration.WithMetrics(metrics))

	// act
	_, err = runner.Apply(ctx, runnerHandle, []migration.Definition{givenTableMigration(t, "0001_customers", "customers")})

	// assert
	require.ErrorIs(t, err, migration.ErrLockTimeout)
	retries := metrics.CountersNamed("retry_attempts_total")
	require.NotEmpty(t, retries)
	assert.Equal(t, "migration_lock", retries[0].Labels["operation"])
}

func Test_Runner_Apply_When_MigrationFails_Should_StillReleaseTheLock(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t, migration.WithLockTimeout(200*time.Millisecond))
	broken := migration.MustDefinition("0001_broken", []migration.Step{{Apply: "NOT SQL AT ALL"}})

	// act
	_, err := runner.Apply(ctx, handle, []migration.Definition{broken})

	// assert
	require.ErrorIs(t, err, migration.ErrMigrationFailed)

	var holders int
	require.NoError(t, handle.DB.GetContext(ctx, &holders, "SELECT COUNT(*) FROM migration_ledger_lock"))
	assert.Zero(t, holders)

	_, err = runner.Apply(ctx, handle, []migration.Definition{givenTableMigration(t, "0001_customers", "customers")})
	assert.NoError(t, err, "the next run must get the lock")
}

func Test_Runner_Apply_Should_ReportThroughObservability(t *testing.T) {
	// arrange
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	logger := testutil.NewContextualLoggerSpy()
	metrics := testutil.NewMetricsCollectorSpy()
	tracer := testutil.NewTracingCollectorSpy()
	runner := givenRunner(t,
		migration.WithContextualLogger(logger),
		migration.WithMetrics(metrics),
		migration.WithTracing(tracer),
	)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
	}

	// act
	_, err := runner.Apply(context.Background(), handle, definitions)

	// assert
	require.NoError(t, err)

	applied := logger.RecordsWithMessage("migration_applied")
	require.Len(t, applied, 2)
	assert.Equal(t, "0001_customers", applied[0].Attr("migration"))
	assert.Equal(t, "tenant_db_alpha", applied[0].Attr("database"))
	assert.Len(t, logger.RecordsWithMessage("migration_lock_acquired"), 1)
	assert.Len(t, logger.RecordsWithMessage("migrations_complete"), 1)

	counters := metrics.CountersNamed("migrations_applied_total")
	require.Len(t, counters, 2)
	assert.Equal(t, map[string]string{"database": "tenant_db_alpha", "status": "success"}, counters[0].Labels)

	applySpans := tracer.SpansNamed("migration.apply")
	require.Len(t, applySpans, 1)
	assert.True(t, applySpans[0].Finished)
	assert.Equal(t, "success", applySpans[0].Status)
	assert.Equal(t, "2", applySpans[0].Attrs["applied"])
	assert.Len(t, tracer.SpansNamed("migration.migrate"), 2)
}

func Test_Runner_Apply_When_MigrationFails_Should_LogAndMarkSpanAsError(t *testing.T) {
	// arrange
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	logger := testutil.NewContextualLoggerSpy()
	tracer := testutil.NewTracingCollectorSpy()
	runner := givenRunner(t, migration.WithContextualLogger(logger), migration.WithTracing(tracer))
	broken := migration.MustDefinition("0001_broken", []migration.Step{{Apply: "NOT SQL AT ALL"}})

	// act
	_, err := runner.Apply(context.Background(), handle, []migration.Definition{broken})

	// assert
	require.Error(t, err)

	failures := logger.RecordsWithMessage("migration_failed")
	require.Len(t, failures, 1)
	assert.Equal(t, "error", failures[0].Level)
	assert.Equal(t, "0001_broken", failures[0].Attr("migration"))

	applySpans := tracer.SpansNamed("migration.apply")
	require.Len(t, applySpans, 1)
	assert.Equal(t, "error", applySpans[0].Status)
	assert.NotEmpty(t, applySpans[0].Attrs["error"])
}

func Test_Runner_Rollback_Should_RevertTheMostRecentMigrations(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
		givenTableMigration(t, "0003_items", "items", "0002_orders"),
	}
	_, err := runner.Apply(ctx, handle, definitions)
	require.NoError(t, err)

	// act
	report, err := runner.Rollback(ctx, handle, definitions, 2)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"0003_items", "0002_orders"}, report.RolledBack)
	assert.False(t, schemaObjectExists(t, handle, "items"))
	assert.False(t, schemaObjectExists(t, handle, "ix_orders_id"))
	assert.True(t, schemaObjectExists(t, handle, "customers"))
	assert.Equal(t, []string{"0001_customers"}, ledgerIDs(t, runner, handle))
}

func Test_Runner_Rollback_When_CountExceedsApplied_Should_RevertEverything(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
	}
	_, err := runner.Apply(ctx, handle, definitions)
	require.NoError(t, err)

	// act
	report, err := runner.Rollback(ctx, handle, definitions, 10)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_orders", "0001_customers"}, report.RolledBack)
	assert.Empty(t, ledgerIDs(t, runner, handle))

	reapplied, err := runner.Apply(ctx, handle, definitions)
	require.NoError(t, err)
	assert.Len(t, reapplied.Applied, 2, "rolled back migrations should be applied again")
}

func Test_Runner_Rollback_When_TargetIsIrreversible_Should_ChangeNothing(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	definitions := []migration.Definition{
		givenTableMigration(t, "0001_customers", "customers"),
		migration.MustDefinition("0002_seed", []migration.Step{{Apply: "INSERT INTO customers (id) VALUES (1)"}}, "0001_customers"),
	}
	_, err := runner.Apply(ctx, handle, definitions)
	require.NoError(t, err)

	// act
	report, err := runner.Rollback(ctx, handle, definitions, 2)

	// assert
	require.ErrorIs(t, err, migration.ErrIrreversible)
	assert.Empty(t, report.RolledBack)
	assert.True(t, schemaObjectExists(t, handle, "customers"))
	assert.Equal(t, []string{"0001_customers", "0002_seed"}, ledgerIDs(t, runner, handle))
}

func Test_Runner_Rollback_When_CountIsNotPositive_Should_Fail(t *testing.T) {
	// arrange
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)

	// act
	_, err := runner.Rollback(context.Background(), handle, nil, 0)

	// assert
	assert.ErrorIs(t, err, migration.ErrInvalidRollbackCount)
}

func Test_Runner_Status_Should_ListAppliedPendingAndOrphans(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)
	customers := givenTableMigration(t, "0001_customers", "customers")
	legacy := givenTableMigration(t, "0000_legacy", "legacy")
	_, err := runner.Apply(ctx, handle, []migration.Definition{legacy, customers})
	require.NoError(t, err)

	// act
	status, err := runner.Status(ctx, handle, []migration.Definition{
		customers,
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
	})

	// assert
	require.NoError(t, err)
	require.Len(t, status.Migrations, 2)
	assert.Equal(t, "0001_customers", status.Migrations[0].ID)
	assert.True(t, status.Migrations[0].Applied)
	assert.False(t, status.Migrations[0].AppliedAt.IsZero())
	assert.False(t, status.Migrations[1].Applied)
	assert.Equal(t, []string{"0002_orders"}, status.Pending())
	require.Len(t, status.Orphans, 1)
	assert.Equal(t, "0000_legacy", status.Orphans[0].MigrationID)
}

func Test_Runner_Status_When_LedgerIsMissing_Should_ReportAllPendingWithoutCreatingIt(t *testing.T) {
	// arrange
	ctx := context.Background()
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t)

	// act
	status, err := runner.Status(ctx, handle, []migration.Definition{
		givenTableMigration(t, "0002_orders", "orders", "0001_customers"),
		givenTableMigration(t, "0001_customers", "customers"),
	})

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_customers", "0002_orders"}, status.Pending())
	assert.Empty(t, status.Orphans)
	assert.Empty(t, schemaSnapshot(t, handle), "status must not write to the database")
}

func Test_Runner_When_HandleIsNil_Should_Fail(t *testing.T) {
	// arrange
	runner := givenRunner(t)

	// act
	_, applyErr := runner.Apply(context.Background(), nil, nil)
	_, rollbackErr := runner.Rollback(context.Background(), nil, nil, 1)
	_, statusErr := runner.Status(context.Background(), nil, nil)

	// assert
	assert.ErrorIs(t, applyErr, migration.ErrNilHandle)
	assert.ErrorIs(t, rollbackErr, migration.ErrNilHandle)
	assert.ErrorIs(t, statusErr, migration.ErrNilHandle)
}

func Test_NewRunner_When_OptionIsInvalid_Should_Fail(t *testing.T) {
	testCases := []struct {
		name    string
		option  migration.Option
		wantErr error
	}{
		{name: "ledger table", option: migration.WithLedgerTable("ledger; DROP TABLE x"), wantErr: migration.ErrInvalidLedgerTable},
		{name: "lock timeout", option: migration.WithLockTimeout(0), wantErr: migration.ErrInvalidLockTimeout},
		{name: "locker", option: migration.WithLocker(nil), wantErr: migration.ErrNilLocker},
		{name: "clock", option: migration.WithClock(nil), wantErr: migration.ErrNilClock},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// act
			_, err := migration.NewRunner(tc.option)

			// assert
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func Test_Runner_WithLedgerTable_Should_KeepLedgerInThatTable(t *testing.T) {
	// arrange
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	runner := givenRunner(t, migration.WithLedgerTable("schema_history"))

	// act
	_, err := runner.Apply(context.Background(), handle, []migration.Definition{givenTableMigration(t, "0001_customers", "customers")})

	// assert
	require.NoError(t, err)
	assert.True(t, schemaObjectExists(t, handle, "schema_history"))
	assert.True(t, schemaObjectExists(t, handle, "schema_history_lock"))
	assert.False(t, schemaObjectExists(t, handle, "migration_ledger"))
}
