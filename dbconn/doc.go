// Package dbconn owns the connections to the tenant databases.
//
// A Manager hands out one Handle per database through Get, connecting lazily, and drops it again
// through Invalidate after a driver error so that the next Get starts from scratch. Handles are
// sqlx.DB values paired with the goqu dialect used to build statements for them.
//
// Connectors exist for PostgreSQL through pgxpool (driver "pgx") or lib/pq (driver "postgres"),
// MySQL through go-sql-driver/mysql, and SQLite through modernc.org/sqlite.
package dbconn
