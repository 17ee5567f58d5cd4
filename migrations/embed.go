// Package migrations embeds the tenant schema, one directory per dialect.
package migrations

import (
	"embed"
	"fmt"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/migration"
)

// FS holds the postgres, mysql, and sqlite migration sets.
//
//go:embed postgres mysql sqlite
var FS embed.FS

// Dir returns the directory in FS that holds the set for dialect.
func Dir(dialect dbconn.Dialect) (string, error) {
	switch dialect {
	case dbconn.DialectPostgres:
		return "postgres", nil
	case dbconn.DialectMySQL:
		return "mysql", nil
	case dbconn.DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: no embedded migrations for dialect %q", migration.ErrConfiguration, dialect)
	}
}

// Definitions loads the embedded set for dialect.
func Definitions(dialect dbconn.Dialect) ([]migration.Definition, error) {
	dir, err := Dir(dialect)
	if err != nil {
		return nil, err
	}

	return migration.Load(FS, dir)
}
