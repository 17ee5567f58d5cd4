package dbconn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tenantfleet/loadgen/observability"
)

const (
	logMsgConnecting           = "connecting_to_database"
	logMsgConnectionInvalidate = "connection_invalidated"
	logMsgConnectFailed        = "connect_failed"
	logAttrDatabase            = "database"
	logAttrDialect             = "dialect"
	logAttrError               = "error"

	metricConnectionsOpened = "connections_opened_total"
	metricInvalidations     = "connection_invalidations_total"
)

var (
	// ErrUnknownDatabase is returned by Get for a database the manager was not built with.
	ErrUnknownDatabase = errors.New("unknown database")

	// ErrConnectFailed is returned when a handle cannot be established or does not answer a ping.
	ErrConnectFailed = errors.New("failed to connect to database")

	// ErrNilConnector is returned when NewManager receives a nil connector.
	ErrNilConnector = errors.New("connector must not be nil")

	// ErrNoDatabases is returned when NewManager receives no database names.
	ErrNoDatabases = errors.New("at least one database is required")
)

// Manager owns one lazily established handle per database.
//
// The set of databases is fixed at construction and each database has its own slot and mutex,
// so scheduling units for different databases never contend with each other.
type Manager struct {
	connector        Connector
	slots            map[string]*slot
	contextualLogger observability.ContextualLogger
	metricsCollector observability.MetricsCollector
}

type slot struct {
	mu     sync.Mutex
	handle *Handle
}

// Option configures a Manager.
type Option func(*Manager) error

// WithContextualLogger sets the logger for connect and invalidate events.
func WithContextualLogger(logger observability.ContextualLogger) Option {
	return func(m *Manager) error {
		m.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for connection counters.
func WithMetrics(collector observability.MetricsCollector) Option {
	return func(m *Manager) error {
		m.metricsCollector = collector
		return nil
	}
}

// NewManager creates a Manager for databases.
func NewManager(connector Connector, databases []string, options ...Option) (*Manager, error) {
	if connector == nil {
		return nil, ErrNilConnector
	}

	if len(databases) == 0 {
		return nil, ErrNoDatabases
	}

	m := &Manager{
		connector: connector,
		slots:     make(map[string]*slot, len(databases)),
	}

	for _, database := range databases {
		m.slots[database] = &slot{}
	}

	for _, option := range options {
		if err := option(m); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Databases returns the managed database names, sorted.
func (m *Manager) Databases() []string {
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Get returns the handle for database, connecting on first use.
// A failed connect is not remembered; the next call tries again.
func (m *Manager) Get(ctx context.Context, database string) (*Handle, error) {
	s, ok := m.slots[database]
	if !ok {
		return nil, errors.Join(ErrUnknownDatabase, fmt.Errorf("database %q", database))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return s.handle, nil
	}

	m.logInfo(ctx, logMsgConnecting, logAttrDatabase, database)

	handle, err := m.connector.Connect(ctx, database)
	if err != nil {
		m.logWarn(ctx, logMsgConnectFailed, logAttrDatabase, database, logAttrError, err.Error())
		return nil, errors.Join(ErrConnectFailed, err)
	}

	if pingErr := handle.DB.PingContext(ctx); pingErr != nil {
		_ = handle.Close()
		m.logWarn(ctx, logMsgConnectFailed, logAttrDatabase, database, logAttrError, pingErr.Error())

		return nil, errors.Join(ErrConnectFailed, pingErr)
	}

	m.incrementCounter(ctx, metricConnectionsOpened, database)
	s.handle = handle

	return handle, nil
}

// Invalidate closes and forgets the handle for database so the next Get reconnects.
// Close errors are swallowed; the failure that led here is what matters to the caller.
func (m *Manager) Invalidate(ctx context.Context, database string) {
	s, ok := m.slots[database]
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return
	}

	_ = s.handle.Close()
	s.handle = nil

	m.logInfo(ctx, logMsgConnectionInvalidate, logAttrDatabase, database)
	m.incrementCounter(ctx, metricInvalidations, database)
}

// Close invalidates every handle.
func (m *Manager) Close(ctx context.Context) {
	for database := range m.slots {
		m.Invalidate(ctx, database)
	}
}

func (m *Manager) logInfo(ctx context.Context, msg string, args ...any) {
	if m.contextualLogger != nil {
		m.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (m *Manager) logWarn(ctx context.Context, msg string, args ...any) {
	if m.contextualLogger != nil {
		m.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (m *Manager) incrementCounter(ctx context.Context, metric, database string) {
	if m.metricsCollector == nil {
		return
	}

	labels := map[string]string{logAttrDatabase: database}
	if contextual, ok := m.metricsCollector.(observability.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	m.metricsCollector.IncrementCounter(metric, labels)
}
