package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stratus-cp/stratus/pkg/callbacks"
	"github.com/stratus-cp/stratus/pkg/config"
	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/registry"
	"github.com/stratus-cp/stratus/pkg/stores"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// shutdownGrace bounds how long in-flight local runs get to report on shutdown.
const shutdownGrace = 30 * time.Second

func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Telemetry.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Telemetry.Logging.Format = o.logFormat
	}
	cfg.Telemetry.ServiceVersion = o.version
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured Order Store. The SQLite store is also
// returned on its own for migrations and shared correlations.
func openStore(ctx context.Context, cfg config.StoreConfig, migrate bool) (engine.Store, *stores.SQLiteStore, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil, nil
	}
	sqlite, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Path,
		MaxOpenConns: cfg.MaxOpenConns,
		BusyTimeout:  cfg.BusyTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := sqlite.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	if migrate {
		if err := sqlite.Migrate(ctx); err != nil {
			_ = sqlite.Close()
			return nil, nil, err
		}
	}
	return sqlite, sqlite, nil
}

// app is a fully wired control plane.
type app struct {
	cfg *config.Config
	tel *telemetry.Telemetry

	store    engine.Store
	registry *registry.Registry
	watcher  *registry.Watcher
	gateway  *deployer.Gateway
	local    *deployer.LocalExecutor
	internal *deployer.InternalExecutor
	orch     *engine.Orchestrator
	states   *engine.StateManager
	sweeper  *engine.Sweeper
	server   *callbacks.Server

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*app, error) {
	a := &app{cfg: cfg, tel: tel}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, tel := a.cfg, a.tel

	store, sqlite, err := openStore(ctx, cfg.Store, cfg.Store.AutoMigrate)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	if a.registry, err = registry.New(); err != nil {
		return err
	}
	a.watcher = registry.NewWatcher(cfg.Registry.Manifest, a.registry, registry.DefaultBuilder(tel), tel)
	if cfg.Registry.Debounce > 0 {
		a.watcher.WithDebounce(cfg.Registry.Debounce)
	}
	if err := a.watcher.Reload(); err != nil {
		return err
	}

	schemas := config.NewSchemaRegistry()
	if cfg.Schemas.Path != "" {
		if err := schemas.Load(cfg.Schemas.Path); err != nil {
			return fmt.Errorf("failed to load payload schemas: %w", err)
		}
	}

	correlations, err := a.correlations(sqlite)
	if err != nil {
		return err
	}

	a.states = engine.NewStateManager(store, a.registry, tel)
	a.internal = deployer.NewInternalExecutor(a.states, cfg.Telemetry.ServiceVersion, tel)
	executors := []deployer.Executor{a.internal}
	if cfg.Deployers.Local != nil {
		a.local, err = deployer.NewLocalExecutor(*cfg.Deployers.Local, tel)
		if err != nil {
			return err
		}
		executors = append(executors, a.local)
	}
	for _, rc := range cfg.Deployers.Remote {
		remote, err := deployer.NewRemoteExecutor(rc, nil, tel)
		if err != nil {
			return fmt.Errorf("deployer %s: %w", rc.Name, err)
		}
		executors = append(executors, remote)
	}
	a.gateway, err = deployer.NewGateway(correlations, tel, executors...)
	if err != nil {
		return err
	}

	a.orch, err = engine.NewOrchestrator(store, a.registry, a.gateway, engine.Options{
		MaxRetries:      cfg.Workflow.MaxRetries,
		DefaultDeployer: cfg.Gateway.DefaultDeployer,
		Schemas:         schemas,
		Telemetry:       tel,
	})
	if err != nil {
		return err
	}
	a.gateway.SetSink(a.orch.Correlator())

	events := tel.Logger.NewComponentLogger("events")
	tel.Events.Subscribe(func(e telemetry.Event) {
		events.WithFields(map[string]interface{}{
			"type":        e.Type,
			"order_id":    e.OrderID,
			"workflow_id": e.WorkflowID,
			"service_id":  e.ServiceID,
		}).Warn(e.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	a.sweeper = engine.NewSweeper(store, cfg.Sweep.StaleAfter, tel).
		WithWorkflows(a.orch.Workflows(), cfg.Sweep.RepairAfter)
	a.server = callbacks.NewServer(cfg.Callbacks, a.orch.Correlator(), store, tel)
	return nil
}

func (a *app) correlations(sqlite *stores.SQLiteStore) (deployer.CorrelationStore, error) {
	switch a.cfg.Gateway.Correlations {
	case "store":
		if sqlite == nil {
			return nil, errors.New("store correlations need the sqlite store")
		}
		return sqlite.Correlations(), nil
	case "redis":
		corr, client, err := deployer.NewRedisCorrelationsFromURL(a.cfg.Redis.URL,
			deployer.WithKeyPrefix(a.cfg.Redis.KeyPrefix),
			deployer.WithTTL(a.cfg.Redis.TTL))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return corr, nil
	default:
		return deployer.NewMemoryCorrelations(), nil
	}
}

// run serves until ctx is done. Workflows and orders interrupted by the last
// shutdown are resumed first.
func (a *app) run(ctx context.Context) error {
	logger := a.tel.Logger.NewComponentLogger("serve")
	if err := a.orch.Resume(ctx); err != nil {
		logger.WithError(err).Warn("failed to resume interrupted work")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error {
		a.sweeper.Run(gctx, a.cfg.Sweep.Interval)
		return nil
	})
	if a.cfg.Registry.Watch {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	logger.WithFields(map[string]interface{}{
		"executors": a.gateway.Executors(),
		"providers": len(a.registry.List()),
	}).Info("control plane started")

	err := g.Wait()
	logger.Info("shutting down")
	a.shutdown()
	return err
}

// shutdown lets in-flight runs report while the store is still open.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if a.local != nil {
		if err := a.local.Shutdown(ctx); err != nil {
			a.tel.Logger.WithError(err).Warn("local runs did not finish")
		}
	}
	a.internal.Wait()
}

// drain waits for runs started by this process to report. If ctx ends first
// the runs are cancelled as on shutdown.
func (a *app) drain(ctx context.Context) {
	if a.local != nil {
		if err := a.local.Wait(ctx); err != nil {
			a.shutdown()
			return
		}
	}
	a.internal.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.tel.Logger.WithError(err).Warn("failed to close resource")
		}
	}
	a.closers = nil
}
