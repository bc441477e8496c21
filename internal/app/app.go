// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/access"
	"github.com/JakeFAU/sharedpages/internal/cache"
	cachemem "github.com/JakeFAU/sharedpages/internal/cache/memory"
	cacheredis "github.com/JakeFAU/sharedpages/internal/cache/redis"
	"github.com/JakeFAU/sharedpages/internal/clock/system"
	"github.com/JakeFAU/sharedpages/internal/config"
	"github.com/JakeFAU/sharedpages/internal/dedup"
	"github.com/JakeFAU/sharedpages/internal/dispatch"
	dispmem "github.com/JakeFAU/sharedpages/internal/dispatch/memory"
	dispubsub "github.com/JakeFAU/sharedpages/internal/dispatch/pubsub"
	"github.com/JakeFAU/sharedpages/internal/id/uuid"
	"github.com/JakeFAU/sharedpages/internal/linker"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
	"github.com/JakeFAU/sharedpages/internal/storage/memory"
	"github.com/JakeFAU/sharedpages/internal/storage/postgres"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup from a validated config.Config and handed to
// the commands that need it.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pages.Clock

	store    store.Store
	postgres *postgres.Store
	redis    *cacheredis.Backend
	memCache *cachemem.Backend

	queue        *dispmem.Queue
	pubsubClient *pubsub.Client
	publisher    *dispubsub.Dispatcher

	registry *registry.Registry
	engine   *dedup.Engine
	access   *access.Service
	sweeper  *registry.Sweeper
}

// New wires every service selected by cfg. It fails fast when a backend
// cannot be initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	backend, err := a.setupCache()
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.setupDispatcher(ctx)
	if err != nil {
		return nil, err
	}

	pageCache := cache.NewPages(backend, cfg.Cache.TTL, logger)
	accessCache := cache.NewAccess(backend, cfg.Cache.AccessTTL, logger)

	a.registry = registry.New(a.store, a.clock, logger)
	lk := linker.New(a.store, a.store, pageCache, accessCache,
		linker.WithBatchSize(cfg.Linker.BatchSize),
		linker.WithLogger(logger),
	)
	a.engine = dedup.New(a.store, a.registry, lk, pageCache, dispatcher,
		dedup.WithLogger(logger),
		dedup.WithClock(a.clock),
		dedup.WithIDGenerator(uuid.NewUUIDGenerator()),
	)
	a.access = access.New(a.store, a.store, accessCache, pageCache, logger)
	a.sweeper = registry.NewSweeper(a.registry, registry.SweeperConfig{
		LivenessTimeout: cfg.Registry.LivenessTimeout,
		Interval:        cfg.Registry.SweepInterval,
		BatchSize:       cfg.Registry.SweepBatchSize,
	}, a.engine.Redispatch, logger)

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Backend),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("dispatch", cfg.Dispatch.Backend),
	)
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case config.BackendPostgres:
		pg, err := postgres.NewStore(ctx, postgres.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
			BatchSize:       a.cfg.Linker.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		a.postgres = pg
		a.store = pg
	case config.BackendMemory:
		a.logger.Warn("using in-memory store; state is lost on restart")
		a.store = memory.NewStore(a.clock)
	default:
		return fmt.Errorf("unknown database backend: %s", a.cfg.Database.Backend)
	}
	return nil
}

func (a *App) setupCache() (cache.Backend, error) {
	switch a.cfg.Cache.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendMemory:
		a.memCache = cachemem.NewBackend(a.clock)
		return a.memCache, nil
	case config.BackendRedis:
		rb, err := cacheredis.New(cacheredis.Config{
			Addr:     a.cfg.Cache.Redis.Addr,
			Password: a.cfg.Cache.Redis.Password,
			DB:       a.cfg.Cache.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		a.redis = rb
		return rb, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", a.cfg.Cache.Backend)
	}
}

func (a *App) setupDispatcher(ctx context.Context) (dispatch.Dispatcher, error) {
	switch a.cfg.Dispatch.Backend {
	case config.BackendNoop:
		return dispatch.Noop{}, nil
	case config.BackendMemory:
		a.queue = dispmem.NewQueue(a.cfg.Dispatch.QueueDepth)
		return dispatch.Observed(config.BackendMemory, a.queue), nil
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Dispatch.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.publisher = dispubsub.NewFromClient(client, a.cfg.Dispatch.PubSub.Topic)
		return dispatch.Observed(config.BackendPubSub, a.publisher), nil
	default:
		return nil, fmt.Errorf("unknown dispatch backend: %s", a.cfg.Dispatch.Backend)
	}
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock shared by every service.
func (a *App) Clock() pages.Clock { return a.clock }

// Store exposes the configured persistence backend.
func (a *App) Store() store.Store { return a.store }

// Engine returns the classification engine.
func (a *App) Engine() *dedup.Engine { return a.engine }

// Access returns the visibility service.
func (a *App) Access() *access.Service { return a.access }

// Registry returns the fetch registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Sweeper returns the registry liveness sweeper.
func (a *App) Sweeper() *registry.Sweeper { return a.sweeper }

// MemoryCache returns the process-local cache backend, or nil when another
// backend is configured.
func (a *App) MemoryCache() *cachemem.Backend { return a.memCache }

// Queue returns the in-process fetch queue, or nil when fetches are
// dispatched elsewhere.
func (a *App) Queue() *dispmem.Queue { return a.queue }

// Ping checks every remote backend.
func (a *App) Ping(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies the schema. The memory store needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.postgres == nil {
		a.logger.Info("memory store selected; nothing to migrate")
		return nil
	}
	if err := a.postgres.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema migrated")
	return nil
}

// Close releases every backend. It is safe on a partially built App.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}
