package dbconn

import (
	"context"
	"errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // mysql driver
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// DatabasePlaceholder is replaced by the database name when a DSN template is expanded.
const DatabasePlaceholder = "{database}"

var (
	// ErrInvalidDSN is returned when a DSN cannot be parsed by the driver.
	ErrInvalidDSN = errors.New("invalid data source name")

	// ErrOpenFailed is returned when the driver cannot open a handle.
	ErrOpenFailed = errors.New("failed to open database handle")
)

// Connector opens a new handle to one database.
type Connector interface {
	Connect(ctx context.Context, database string) (*Handle, error)
}

// PoolSettings bounds the driver-level pool behind one handle.
// Two connections are enough: one session holds the migration lock while the other does the work.
type PoolSettings struct {
	MaxOpenConns    int32
	MaxIdleConns    int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolSettings returns the settings used by the load generator.
func DefaultPoolSettings() PoolSettings {
	const defaultMaxOpenConnections = int32(2)
	const defaultMaxIdleConnections = int32(2)
	const defaultMaxConnLifetime = time.Hour
	const defaultMaxConnIdleTime = time.Minute * 5
	const defaultConnectTimeout = time.Second * 5

	return PoolSettings{
		MaxOpenConns:    defaultMaxOpenConnections,
		MaxIdleConns:    defaultMaxIdleConnections,
		ConnMaxLifetime: defaultMaxConnLifetime,
		ConnMaxIdleTime: defaultMaxConnIdleTime,
		ConnectTimeout:  defaultConnectTimeout,
	}
}

// ExpandDSN substitutes database into template.
func ExpandDSN(template, database string) string {
	return strings.ReplaceAll(template, DatabasePlaceholder, database)
}

// PGXPoolConnector connects to PostgreSQL through a pgxpool exposed as database/sql.
type PGXPoolConnector struct {
	dsnTemplate string
	settings    PoolSettings
}

// NewPGXPoolConnector creates a PGXPoolConnector.
func NewPGXPoolConnector(dsnTemplate string, settings PoolSettings) *PGXPoolConnector {
	return &PGXPoolConnector{dsnTemplate: dsnTemplate, settings: settings}
}

// Connect implements Connector.
func (c *PGXPoolConnector) Connect(ctx context.Context, database string) (*Handle, error) {
	poolConfig, err := pgxpool.ParseConfig(ExpandDSN(c.dsnTemplate, database))
	if err != nil {
		return nil, errors.Join(ErrInvalidDSN, err)
	}

	poolConfig.MaxConns = c.settings.MaxOpenConns
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = c.settings.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = c.settings.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = c.settings.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	closeFn := func() error {
		err := db.Close()
		pool.Close()

		return err
	}

	return NewHandle(database, DialectPostgres, sqlx.NewDb(db, DriverPGX), closeFn), nil
}

// DriverConnector connects through a registered database/sql driver: lib/pq, go-sql-driver/mysql, or
// modernc sqlite.
type DriverConnector struct {
	driver      string
	dialect     Dialect
	dsnTemplate string
	settings    PoolSettings
}

// NewDriverConnector creates a DriverConnector for driver.
// SQLite handles are limited to one open connection since the file allows a single writer.
func NewDriverConnector(driver, dsnTemplate string, settings PoolSettings) (*DriverConnector, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite {
		settings.MaxOpenConns = 1
		settings.MaxIdleConns = 1
	}

	return &DriverConnector{
		driver:      driver,
		dialect:     dialect,
		dsnTemplate: dsnTemplate,
		settings:    settings,
	}, nil
}

// Connect implements Connector.
func (c *DriverConnector) Connect(_ context.Context, database string) (*Handle, error) {
	db, err := sqlx.Open(c.driver, ExpandDSN(c.dsnTemplate, database))
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}

	db.SetMaxOpenConns(int(c.settings.MaxOpenConns))
	db.SetMaxIdleConns(int(c.settings.MaxIdleConns))
	db.SetConnMaxLifetime(c.settings.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.settings.ConnMaxIdleTime)

	return NewHandle(database, c.dialect, db, nil), nil
}

// NewConnector picks the connector for driver. The pgx driver goes through pgxpool.
func NewConnector(driver, dsnTemplate string, settings PoolSettings) (Connector, error) {
	if driver == DriverPGX {
		return NewPGXPoolConnector(dsnTemplate, settings), nil
	}

	return NewDriverConnector(driver, dsnTemplate, settings)
}
