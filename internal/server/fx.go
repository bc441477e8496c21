// Package server assembles the runnable service: the HTTP API, the liveness
// sweeper, and the optional in-process snapshot workers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sharedpages/internal/api"
	"github.com/JakeFAU/sharedpages/internal/app"
	"github.com/JakeFAU/sharedpages/internal/config"
	"github.com/JakeFAU/sharedpages/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/sharedpages/internal/fetcher/colly"
	"github.com/JakeFAU/sharedpages/internal/hash/sha256"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/policy/ratelimit"
	gcsstorage "github.com/JakeFAU/sharedpages/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sharedpages/internal/storage/local"
	memoryStorage "github.com/JakeFAU/sharedpages/internal/storage/memory"
	"github.com/JakeFAU/sharedpages/internal/telemetry"
	"github.com/JakeFAU/sharedpages/internal/worker"
)

// Server owns the processes started by `serve`.
type Server struct {
	app     *app.App
	cfg     config.Config
	logger  *zap.Logger
	httpSrv *http.Server
	pool    *dispatcher.Pool
	storage *storage.Client

	tracerShutdown func(context.Context) error
}

// Build creates the runnable dependencies on top of a.
func Build(ctx context.Context, a *app.App, version string) (*Server, error) {
	cfg := a.Config()
	s := &Server{app: a, cfg: cfg, logger: a.Logger().Named("server")}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		ProjectID:   cfg.Telemetry.GCPProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	s.tracerShutdown = tp.Shutdown

	if cfg.Database.MigrateOnStart {
		if err := a.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	if cfg.WorkersEnabled() {
		pool, err := s.setupPool(ctx)
		if err != nil {
			return nil, err
		}
		s.pool = pool
	} else {
		s.logger.Info("in-process workers disabled; fetches are handled externally",
			zap.String("dispatch", cfg.Dispatch.Backend))
	}

	apiServer := api.NewServer(a.Engine(), a.Access(), a, cfg, a.Logger())
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) (pages.BlobStore, error) {
	switch s.cfg.Storage.Backend {
	case config.BackendGCS:
		s.logger.Info("using GCS storage backend", zap.String("bucket", s.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: s.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case config.BackendLocal:
		s.logger.Info("using local storage backend", zap.String("path", s.cfg.Storage.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: s.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		s.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (s *Server) setupPool(ctx context.Context) (*dispatcher.Pool, error) {
	queue := s.app.Queue()
	if queue == nil {
		return nil, errors.New("workers require the memory dispatch backend")
	}
	blobStore, err := s.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	wc := s.cfg.Worker
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: wc.UserAgent,
		Timeout:   wc.Timeout,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   wc.RatePerHost,
		DefaultBurst: wc.BurstPerHost,
	})
	hasher := sha256.New()
	workerCfg := worker.Config{
		ArchiveBaseURL: wc.ArchiveBaseURL,
		BlobPrefix:     s.cfg.Storage.Prefix,
		MaxAttempts:    wc.MaxAttempts,
		BackoffInitial: wc.BackoffInitial,
		BackoffMax:     wc.BackoffMax,
	}
	s.logger.Info("worker config",
		zap.Int("concurrency", wc.Concurrency),
		zap.String("archive", workerCfg.ArchiveBaseURL),
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.Float64("rate_per_host", wc.RatePerHost),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
	)

	workers := make([]*worker.Worker, 0, wc.Concurrency)
	for i := 0; i < wc.Concurrency; i++ {
		workers = append(workers, worker.New(
			queue,
			s.app.Engine(),
			s.app.Store(),
			blobStore,
			hasher,
			fetcher,
			limiter,
			s.app.Clock(),
			workerCfg,
			s.app.Logger().With(zap.Int("worker", i)),
		))
	}
	return dispatcher.New(queue, workers), nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves HTTP, sweeps the registry, purges the memory cache and drains
// the fetch queue until ctx is canceled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server started", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.app.Sweeper().Run(gctx)
	})
	if mc := s.app.MemoryCache(); mc != nil {
		g.Go(func() error {
			mc.Run(gctx, s.cfg.Cache.PurgeInterval, s.logger.Named("cache"))
			return nil
		})
	}
	if s.pool != nil {
		g.Go(func() error {
			s.logger.Info("worker pool started", zap.Int("workers", s.pool.Size()))
			s.pool.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("shutdown complete")
	return err
}

// Close releases what Build opened. The App is closed by its owner.
func (s *Server) Close(ctx context.Context) {
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
