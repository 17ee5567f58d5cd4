package dbconn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/testutil"
)

func Test_Manager_Get_When_CalledTwice_Should_ConnectLazilyOnce(t *testing.T) {
	// arrange
	connector := &testutil.CountingConnector{Inner: testutil.GivenSQLiteConnector(t)}
	manager, err := dbconn.NewManager(connector, []string{"tenant_db_alpha"})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	assert.Equal(t, 0, connector.Connects(), "no connect should happen before first Get")

	// act
	first, err := manager.Get(context.Background(), "tenant_db_alpha")
	require.NoError(t, err)
	second, err := manager.Get(context.Background(), "tenant_db_alpha")
	require.NoError(t, err)

	// assert
	assert.Same(t, first, second)
	assert.Equal(t, 1, connector.Connects())
	assert.Equal(t, "tenant_db_alpha", first.Database)
	assert.Equal(t, dbconn.DialectSQLite, first.Dialect)
}

func Test_Manager_Invalidate_Should_ForceReconnectOnNextGet(t *testing.T) {
	// arrange
	connector := &testutil.CountingConnector{Inner: testutil.GivenSQLiteConnector(t)}
	metrics := testutil.NewMetricsCollectorSpy()
	logger := testutil.NewContextualLoggerSpy()
	manager, err := dbconn.NewManager(
		connector,
		[]string{"tenant_db_alpha"},
		dbconn.WithMetrics(metrics),
		dbconn.WithContextualLogger(logger),
	)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	first, err := manager.Get(context.Background(), "tenant_db_alpha")
	require.NoError(t, err)

	// act
	manager.Invalidate(context.Background(), "tenant_db_alpha")
	second, err := manager.Get(context.Background(), "tenant_db_alpha")

	// assert
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, connector.Connects())
	assert.Error(t, first.DB.Ping(), "the invalidated handle should be closed")
	assert.NoError(t, second.DB.Ping())
	assert.Len(t, metrics.CountersNamed("connection_invalidations_total"), 1)
	assert.Len(t, logger.RecordsWithMessage("connection_invalidated"), 1)
	assert.Len(t, logger.RecordsWithMessage("connecting_to_database"), 2)
}

func Test_Manager_Invalidate_When_CloseFails_Should_SwallowError(t *testing.T) {
	// arrange
	closeCalls := 0
	connector := connectorFunc(func(_ context.Context, database string) (*dbconn.Handle, error) {
		inner, err := testutil.GivenSQLiteConnector(t).Connect(context.Background(), database)
		if err != nil {
			return nil, err
		}

		return dbconn.NewHandle(database, inner.Dialect, inner.DB, func() error {
			closeCalls++
			_ = inner.DB.Close()
			return errors.New("close exploded")
		}), nil
	})

	manager, err := dbconn.NewManager(connector, []string{"tenant_db_alpha"})
	require.NoError(t, err)

	_, err = manager.Get(context.Background(), "tenant_db_alpha")
	require.NoError(t, err)

	// act + assert
	assert.NotPanics(t, func() { manager.Invalidate(context.Background(), "tenant_db_alpha") })
	assert.Equal(t, 1, closeCalls)

	_, err = manager.Get(context.Background(), "tenant_db_alpha")
	assert.NoError(t, err)
}

func Test_Manager_Get_When_ConnectFails_Should_NotCacheFailure(t *testing.T) {
	// arrange
	connector := &testutil.CountingConnector{Inner: testutil.GivenSQLiteConnector(t)}
	connector.FailNext(errors.New("connection refused"))
	manager, err := dbconn.NewManager(connector, []string{"tenant_db_alpha"})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	// act
	_, firstErr := manager.Get(context.Background(), "tenant_db_alpha")
	handle, secondErr := manager.Get(context.Background(), "tenant_db_alpha")

	// assert
	assert.ErrorIs(t, firstErr, dbconn.ErrConnectFailed)
	assert.NoError(t, secondErr)
	assert.NotNil(t, handle)
	assert.Equal(t, 2, connector.Connects())
}

func Test_Manager_Get_When_DatabaseUnknown_Should_Fail(t *testing.T) {
	manager, err := dbconn.NewManager(testutil.GivenSQLiteConnector(t), []string{"tenant_db_alpha"})
	require.NoError(t, err)

	_, err = manager.Get(context.Background(), "tenant_db_gamma")

	assert.ErrorIs(t, err, dbconn.ErrUnknownDatabase)
}

func Test_Manager_Should_KeepDatabasesIndependent(t *testing.T) {
	manager, err := dbconn.NewManager(testutil.GivenSQLiteConnector(t), []string{"tenant_db_beta", "tenant_db_alpha"})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	alpha, err := manager.Get(context.Background(), "tenant_db_alpha")
	require.NoError(t, err)
	beta, err := manager.Get(context.Background(), "tenant_db_beta")
	require.NoError(t, err)

	manager.Invalidate(context.Background(), "tenant_db_alpha")

	assert.NoError(t, beta.DB.Ping(), "invalidating one database must not touch another")
	assert.Error(t, alpha.DB.Ping())
	assert.Equal(t, []string{"tenant_db_alpha", "tenant_db_beta"}, manager.Databases())
}

func Test_NewManager_InvalidArguments(t *testing.T) {
	_, err := dbconn.NewManager(nil, []string{"a"})
	assert.ErrorIs(t, err, dbconn.ErrNilConnector)

	_, err = dbconn.NewManager(testutil.GivenSQLiteConnector(t), nil)
	assert.ErrorIs(t, err, dbconn.ErrNoDatabases)
}

func Test_PGXPoolConnector_When_DSNInvalid_Should_Fail(t *testing.T) {
	connector := dbconn.NewPGXPoolConnector("postgres://%zz/{database}", dbconn.DefaultPoolSettings())

	_, err := connector.Connect(context.Background(), "tenant_db_alpha")

	assert.ErrorIs(t, err, dbconn.ErrInvalidDSN)
}

func Test_NewHandle_Should_DefaultToDBClose(t *testing.T) {
	handle := testutil.GivenSQLiteHandle(t, "tenant_db_alpha")
	wrapped := dbconn.NewHandle("tenant_db_alpha", dbconn.DialectSQLite, sqlx.NewDb(handle.DB.DB, dbconn.DriverSQLite), nil)

	assert.NoError(t, wrapped.Close())
	assert.Error(t, handle.DB.Ping())
}

type connectorFunc func(ctx context.Context, database string) (*dbconn.Handle, error)

func (f connectorFunc) Connect(ctx context.Context, database string) (*dbconn.Handle, error) {
	return f(ctx, database)
}
