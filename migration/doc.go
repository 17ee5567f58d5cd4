// Package migration applies versioned schema migrations to tenant databases.
//
// A migration is a Definition: an ID, ordered SQL steps with optional reverse statements, and the IDs
// it depends on. Resolve orders a set of definitions topologically, picking the smallest ready ID
// first, and rejects duplicates, unknown dependencies, and cycles before any database is touched.
//
// The Runner records applied migrations in a ledger table inside each target database. Apply holds a
// per-database lock while it computes the delta between the resolved order and the ledger, and runs
// every pending migration together with its ledger entry in a single transaction.
//
// Key features:
//   - Definitions loaded from YAML or JSON files in any fs.FS
//   - Lock per dialect: advisory lock (PostgreSQL), GET_LOCK (MySQL), lock table (SQLite)
//   - Explicit rollback of the most recent migrations and a status report
//   - Optional logging, metrics, and tracing through the observability interfaces
//
// Usage:
//
//	definitions, _ := migration.Load(migrations.FS, "sqlite")
//	runner, _ := migration.NewRunner(migration.WithContextualLogger(logger))
//	report, err := runner.Apply(ctx, handle, definitions)
//
// Statements run as given. MySQL commits DDL implicitly, so a migration that fails halfway there may
// leave earlier steps in place even though its ledger entry is not written. The runner logs
// migration_not_atomic at warn level before it runs such a multi-step migration.
package migration
