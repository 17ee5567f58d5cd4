package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenantfleet/loadgen/dbconn"
)

// SQLiteDSNTemplate returns a DSN template that places every database as a file under dir,
// with foreign keys enforced.
func SQLiteDSNTemplate(dir string) string {
	return "file:" + filepath.Join(dir, dbconn.DatabasePlaceholder+".db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// GivenSQLiteConnector returns a connector whose databases live in a fresh temporary directory.
func GivenSQLiteConnector(t testing.TB) *dbconn.DriverConnector {
	t.Helper()

	connector, err := dbconn.NewDriverConnector(dbconn.DriverSQLite, SQLiteDSNTemplate(t.TempDir()), dbconn.DefaultPoolSettings())
	require.NoError(t, err, "creating sqlite connector should not fail")

	return connector
}

// GivenSQLiteHandle opens a file-backed SQLite database named database and closes it at test cleanup.
func GivenSQLiteHandle(t testing.TB, database string) *dbconn.Handle {
	t.Helper()

	handle, err := GivenSQLiteConnector(t).Connect(context.Background(), database)
	require.NoError(t, err, "opening sqlite database should not fail")
	require.NoError(t, handle.DB.Ping(), "pinging sqlite database should not fail")

	t.Cleanup(func() { _ = handle.Close() })

	return handle
}

// CountingConnector wraps a Connector and counts the connects it performs.
// FailNext makes the next connects fail with the given error.
type CountingConnector struct {
	Inner dbconn.Connector

	mu       sync.Mutex
	connects int
	failures []error
}

// Connect implements dbconn.Connector.
func (c *CountingConnector) Connect(ctx context.Context, database string) (*dbconn.Handle, error) {
	c.mu.Lock()
	c.connects++
	var failure error
	if len(c.failures) > 0 {
		failure, c.failures = c.failures[0], c.failures[1:]
	}
	c.mu.Unlock()

	if failure != nil {
		return nil, failure
	}

	return c.Inner.Connect(ctx, database)
}

// FailNext queues errors returned by the following connects.
func (c *CountingConnector) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = append(c.failures, errs...)
}

// Connects returns the number of connects performed so far.
func (c *CountingConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connects
}
