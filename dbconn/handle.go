package dbconn

import (
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// Handle is a live connection to one target database together with its dialect.
type Handle struct {
	Database string
	Dialect  Dialect
	DB       *sqlx.DB
	closeFn  func() error
}

// NewHandle wraps db. closeFn releases everything behind the handle; nil means db.Close.
func NewHandle(database string, dialect Dialect, db *sqlx.DB, closeFn func() error) *Handle {
	if closeFn == nil {
		closeFn = db.Close
	}

	return &Handle{
		Database: database,
		Dialect:  dialect,
		DB:       db,
		closeFn:  closeFn,
	}
}

// Builder returns a goqu builder for the handle's dialect.
func (h *Handle) Builder() goqu.DialectWrapper {
	return h.Dialect.Builder()
}

// Close releases the handle.
func (h *Handle) Close() error {
	return h.closeFn()
}
