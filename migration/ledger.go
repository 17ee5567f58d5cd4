package migration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/tenantfleet/loadgen/dbconn"
)

const (
	defaultLedgerTable = "migration_ledger"
	colMigrationID     = "migration_id"
	colAppliedAt       = "applied_at"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// LedgerEntry records that a migration has been applied to a database.
type LedgerEntry struct {
	Database    string    `db:"-"`
	MigrationID string    `db:"migration_id"`
	AppliedAt   time.Time `db:"applied_at"`
}

// Ledger is the table inside each target database that records applied migrations.
type Ledger struct {
	table string
}

// NewLedger returns a Ledger stored in table. The name must be a plain identifier.
func NewLedger(table string) (Ledger, error) {
	if !identifierPattern.MatchString(table) {
		return Ledger{}, fmt.Errorf("%w: %q", ErrInvalidLedgerTable, table)
	}

	return Ledger{table: table}, nil
}

// Table returns the ledger table name.
func (l Ledger) Table() string {
	return l.table
}

// Ensure creates the ledger table if it does not exist yet.
func (l Ledger) Ensure(ctx context.Context, h *dbconn.Handle) error {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(255) NOT NULL PRIMARY KEY, %s TIMESTAMP NOT NULL)",
		l.table, colMigrationID, colAppliedAt,
	)

	if _, err := h.DB.ExecContext(ctx, ddl); err != nil {
		return errors.Join(ErrLedgerUnavailable, err)
	}

	return nil
}

// Exists reports whether the ledger table is present in the database behind h. It never creates it.
func (l Ledger) Exists(ctx context.Context, h *dbconn.Handle) (bool, error) {
	var lookup *goqu.SelectDataset

	switch h.Dialect {
	case dbconn.DialectPostgres:
		// Unquoted identifiers are folded to lower case by PostgreSQL.
		lookup = h.Builder().
			From(goqu.S("information_schema").Table("tables")).
			Where(goqu.C("table_schema").Eq(goqu.L("current_schema()")), goqu.C("table_name").Eq(strings.ToLower(l.table)))
	case dbconn.DialectMySQL:
		lookup = h.Builder().
			From(goqu.S("information_schema").Table("tables")).
			Where(goqu.C("table_schema").Eq(goqu.L("DATABASE()")), goqu.C("table_name").Eq(l.table))
	default:
		lookup = h.Builder().
			From("sqlite_master").
			Where(goqu.C("type").Eq("table"), goqu.C("name").Eq(l.table))
	}

	query, args, err := lookup.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return false, errors.Join(ErrLedgerUnavailable, err)
	}

	var count int64
	if err = h.DB.GetContext(ctx, &count, query, args...); err != nil {
		return false, errors.Join(ErrLedgerUnavailable, err)
	}

	return count > 0, nil
}

// Entries returns the ledger entries of h ordered by application time, then ID.
func (l Ledger) Entries(ctx context.Context, h *dbconn.Handle) ([]LedgerEntry, error) {
	query, args, err := h.Builder().
		From(l.table).
		Select(colMigrationID, colAppliedAt).
		Order(goqu.C(colAppliedAt).Asc(), goqu.C(colMigrationID).Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(ErrLedgerUnavailable, err)
	}

	var entries []LedgerEntry
	if err := h.DB.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, errors.Join(ErrLedgerUnavailable, err)
	}

	for i := range entries {
		entries[i].Database = h.Database
	}

	return entries, nil
}

func (l Ledger) insert(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect, id string, appliedAt time.Time) error {
	query, args, err := dialect.Builder().
		Insert(l.table).
		Rows(goqu.Record{colMigrationID: id, colAppliedAt: appliedAt}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)

	return err
}

func (l Ledger) delete(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect, id string) error {
	query, args, err := dialect.Builder().
		Delete(l.table).
		Where(goqu.C(colMigrationID).Eq(id)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)

	return err
}
