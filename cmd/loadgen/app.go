package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tenantfleet/loadgen/config"
	"github.com/tenantfleet/loadgen/dbconn"
	"github.com/tenantfleet/loadgen/migration"
	"github.com/tenantfleet/loadgen/migrations"
	"github.com/tenantfleet/loadgen/observability"
	"github.com/tenantfleet/loadgen/observability/oteladapters"
	"github.com/tenantfleet/loadgen/observability/promadapter"
	"github.com/tenantfleet/loadgen/workload"
)

const (
	exitOK             = 0
	exitStartupFailure = 1
	exitUsage          = 2

	serviceVersion   = "0.1.0"
	metricsNamespace = "loadgen"
	shutdownTimeout  = 10 * time.Second

	logMsgStarting          = "starting_load_generator"
	logMsgMigrationStatus   = "migration_status"
	logMsgShutdownRequested = "shutdown_requested"
	logMsgStopped           = "load_generator_stopped"
	logMsgFatal             = "fatal_error"
	logMsgShutdownFailed    = "shutdown_failed"
	logAttrCommand          = "command"
	logAttrInstanceID       = "instance_id"
	logAttrDatabases        = "databases"
	logAttrDriver           = "driver"
	logAttrDatabase         = "database"
	logAttrMigration        = "migration"
	logAttrApplied          = "applied"
	logAttrAppliedAt        = "applied_at"
	logAttrSeed             = "seed"
	logAttrError            = "error"
)

// app wires the configured components together for one invocation.
type app struct {
	cfg        config.Config
	instanceID string
	seed       int64

	logger  observability.ContextualLogger
	metrics observability.MetricsCollector
	tracing observability.TracingCollector
	manager *dbconn.Manager
	runner  *migration.Runner
	defs    []migration.Definition
	closers []func(context.Context) error
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, args []string, lookupEnv func(string) (string, bool), stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args, lookupEnv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}

		_, _ = fmt.Fprintf(stderr, "loadgen: %v\n", err)

		return exitUsage
	}

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "loadgen: %v\n", err)
		return exitStartupFailure
	}
	defer a.close(ctx)

	a.logger.InfoContext(ctx, logMsgStarting,
		logAttrCommand, cfg.Command,
		logAttrInstanceID, a.instanceID,
		logAttrDatabases, cfg.Databases,
		logAttrDriver, cfg.Driver,
		logAttrSeed, a.seed,
	)

	if err = a.execute(ctx); err != nil {
		a.logger.ErrorContext(ctx, logMsgFatal, logAttrError, err.Error())
		return exitStartupFailure
	}

	return exitOK
}

// execute runs the configured command. The migration set is resolved first, so a broken set fails
// before any database is contacted.
func (a *app) execute(ctx context.Context) error {
	if _, err := migration.Resolve(a.defs); err != nil {
		return err
	}

	switch a.cfg.Command {
	case config.CommandMigrate:
		return a.migrateAll(ctx)
	case config.CommandRollback:
		return a.rollbackAll(ctx)
	case config.CommandStatus:
		return a.statusAll(ctx)
	default:
		if err := a.migrateAll(ctx); err != nil {
			return err
		}

		return a.generateLoad(ctx)
	}
}

func newApp(ctx context.Context, cfg config.Config, stdout io.Writer) (*app, error) {
	a := &app{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		seed:       cfg.Seed,
	}

	if a.seed == 0 {
		a.seed = time.Now().UnixNano()
	}

	providers, err := config.NewObservabilityProviders(ctx, cfg.OTelEndpoint, serviceVersion, a.instanceID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, providers.Shutdown)

	handler := slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	var metricCollectors []observability.MetricsCollector

	if providers.Enabled {
		a.logger = observability.NewTeeLogger(
			oteladapters.NewSlogBridgeLoggerWithHandler(handler),
			oteladapters.NewSlogBridgeLogger(config.ServiceName, providers.LoggerProvider),
		)
		a.tracing = oteladapters.NewTracingCollector(providers.TracerProvider.Tracer(config.ServiceName))
		metricCollectors = append(metricCollectors,
			oteladapters.NewMetricsCollector(providers.MeterProvider.Meter(config.ServiceName)))
	} else {
		a.logger = oteladapters.NewSlogBridgeLoggerWithHandler(handler)
	}

	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		server := promadapter.NewServer(cfg.MetricsAddr, registry)
		if err = server.Start(); err != nil {
			return nil, errors.Join(err, a.shutdown(ctx))
		}
		a.closers = append(a.closers, server.Shutdown)
		metricCollectors = append(metricCollectors, promadapter.NewCollector(registry, metricsNamespace))
	}

	if len(metricCollectors) > 0 {
		a.metrics = observability.NewFanOutMetrics(metricCollectors...)
	}

	if a.defs, err = a.loadDefinitions(); err != nil {
		return nil, errors.Join(err, a.shutdown(ctx))
	}

	connector, err := dbconn.NewConnector(cfg.Driver, cfg.DSNTemplate, dbconn.DefaultPoolSettings())
	if err != nil {
		return nil, errors.Join(err, a.shutdown(ctx))
	}

	managerOptions := []dbconn.Option{dbconn.WithContextualLogger(a.logger)}
	runnerOptions := []migration.Option{
		migration.WithLockTimeout(cfg.LockTimeout),
		migration.WithContextualLogger(a.logger),
	}

	if a.metrics != nil {
		managerOptions = append(managerOptions, dbconn.WithMetrics(a.metrics))
		runnerOptions = append(runnerOptions, migration.WithMetrics(a.metrics))
	}

	if a.tracing != nil {
		runnerOptions = append(runnerOptions, migration.WithTracing(a.tracing))
	}

	if a.manager, err = dbconn.NewManager(connector, cfg.Databases, managerOptions...); err != nil {
		return nil, errors.Join(err, a.shutdown(ctx))
	}

	if a.runner, err = migration.NewRunner(runnerOptions...); err != nil {
		return nil, errors.Join(err, a.shutdown(ctx))
	}

	return a, nil
}

// loadDefinitions reads the migration files from the configured directory, or the embedded set for the dialect.
func (a *app) loadDefinitions() ([]migration.Definition, error) {
	if a.cfg.MigrationsPath != "" {
		return migration.Load(os.DirFS(a.cfg.MigrationsPath), ".")
	}

	return migrations.Definitions(a.cfg.Dialect())
}

// migrateAll applies the pending migrations to every database, one database after the other.
// It stops at the first database that fails.
func (a *app) migrateAll(ctx context.Context) error {
	for _, database := range a.cfg.Databases {
		h, err := a.manager.Get(ctx, database)
		if err != nil {
			return err
		}

		if _, err = a.runner.Apply(ctx, h, a.defs); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) rollbackAll(ctx context.Context) error {
	for _, database := range a.cfg.Databases {
		h, err := a.manager.Get(ctx, database)
		if err != nil {
			return err
		}

		if _, err = a.runner.Rollback(ctx, h, a.defs, a.cfg.RollbackCount); err != nil {
			return err
		}
	}

	return nil
}

func (a *app) statusAll(ctx context.Context) error {
	for _, database := range a.cfg.Databases {
		h, err := a.manager.Get(ctx, database)
		if err != nil {
			return err
		}

		report, err := a.runner.Status(ctx, h, a.defs)
		if err != nil {
			return err
		}

		for _, m := range report.Migrations {
			args := []any{logAttrDatabase, database, logAttrMigration, m.ID, logAttrApplied, m.Applied}
			if m.Applied {
				args = append(args, logAttrAppliedAt, m.AppliedAt.UTC().Format(time.RFC3339))
			}

			a.logger.InfoContext(ctx, logMsgMigrationStatus, args...)
		}
	}

	return nil
}

// generateLoad runs one scheduler per database until ctx is canceled.
func (a *app) generateLoad(ctx context.Context) error {
	schedulers := make([]*workload.Scheduler, 0, len(a.cfg.Databases))
	for i, database := range a.cfg.Databases {
		scheduler, err := a.newScheduler(database, a.seed+int64(i))
		if err != nil {
			return err
		}
		schedulers = append(schedulers, scheduler)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			a.logger.InfoContext(context.WithoutCancel(ctx), logMsgShutdownRequested)
		}

		return nil
	})

	for _, scheduler := range schedulers {
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	err := g.Wait()
	a.logger.InfoContext(context.WithoutCancel(ctx), logMsgStopped)

	return err
}

func (a *app) newScheduler(database string, seed int64) (*workload.Scheduler, error) {
	rnd := rand.New(rand.NewSource(seed))

	ops, err := workload.NewOperationSet(rnd, workload.NewFakeDataSource(uint64(seed)))
	if err != nil {
		return nil, err
	}

	options := []workload.Option{
		workload.WithDelayRange(a.cfg.MinDelay, a.cfg.MaxDelay),
		workload.WithContextualLogger(a.logger),
	}

	if a.metrics != nil {
		options = append(options, workload.WithMetrics(a.metrics))
	}

	if a.tracing != nil {
		options = append(options, workload.WithTracing(a.tracing))
	}

	return workload.NewScheduler(database, a.manager, ops, rnd, options...)
}

// close releases connections and flushes telemetry. Failures are logged, never returned.
func (a *app) close(ctx context.Context) {
	if a.manager != nil {
		a.manager.Close(context.WithoutCancel(ctx))
	}

	if err := a.shutdown(ctx); err != nil {
		a.logger.WarnContext(context.WithoutCancel(ctx), logMsgShutdownFailed, logAttrError, err.Error())
	}
}

func (a *app) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}
