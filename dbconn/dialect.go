package dbconn

import (
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"    // goqu dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // goqu dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // goqu dialect registration
)

// Dialect names the SQL dialect of a target database. The values match goqu's dialect names.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// Supported database/sql driver names.
const (
	DriverPGX      = "pgx"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// ErrUnknownDriver is returned for a driver name that has no dialect mapping.
var ErrUnknownDriver = errors.New("unknown database driver")

// DialectForDriver maps a driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case DriverPGX, DriverPostgres:
		return DialectPostgres, nil
	case DriverMySQL:
		return DialectMySQL, nil
	case DriverSQLite:
		return DialectSQLite, nil
	default:
		return "", errors.Join(ErrUnknownDriver, fmt.Errorf("driver %q", driver))
	}
}

// Builder returns a goqu query builder for the dialect.
func (d Dialect) Builder() goqu.DialectWrapper {
	return goqu.Dialect(string(d))
}

// SupportsReturning reports whether inserts can return generated columns with RETURNING.
// Other dialects read the generated key from sql.Result.LastInsertId.
func (d Dialect) SupportsReturning() bool {
	return d == DialectPostgres
}

// String implements fmt.Stringer.
func (d Dialect) String() string {
	return string(d)
}
