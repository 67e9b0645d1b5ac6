// Package server assembles the service from its parts and runs it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/api"
	"github.com/jwkim-dev/shopscout/internal/behavior"
	"github.com/jwkim-dev/shopscout/internal/browser"
	"github.com/jwkim-dev/shopscout/internal/clock/system"
	"github.com/jwkim-dev/shopscout/internal/config"
	"github.com/jwkim-dev/shopscout/internal/id/uuid"
	"github.com/jwkim-dev/shopscout/internal/logging"
	"github.com/jwkim-dev/shopscout/internal/metrics"
	pubmem "github.com/jwkim-dev/shopscout/internal/publisher/memory"
	pubgcp "github.com/jwkim-dev/shopscout/internal/publisher/pubsub"
	"github.com/jwkim-dev/shopscout/internal/recsys"
	"github.com/jwkim-dev/shopscout/internal/scorer"
	"github.com/jwkim-dev/shopscout/internal/scraper"
	"github.com/jwkim-dev/shopscout/internal/storage/gcs"
	"github.com/jwkim-dev/shopscout/internal/storage/local"
	"github.com/jwkim-dev/shopscout/internal/storage/memory"
	"github.com/jwkim-dev/shopscout/internal/storage/postgres"
	"github.com/jwkim-dev/shopscout/internal/task"
)

const shutdownTimeout = 30 * time.Second

// App is a fully wired service ready to run.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	handler  http.Handler
	pool     *browser.Pool
	registry *task.Registry
	cleanup  []func()
}

// Build wires every component from configuration. The browser pool is
// created eagerly: a service that cannot scrape should fail at startup, not
// at the first request.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New("shopscout", cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}

	store, err := app.buildStore(ctx)
	if err != nil {
		app.close()
		return nil, err
	}
	snapshots, err := app.buildSnapshots(ctx)
	if err != nil {
		app.close()
		return nil, err
	}
	publisher, err := app.buildPublisher(ctx)
	if err != nil {
		app.close()
		return nil, err
	}

	pool, err := browser.NewChromePool(browser.Config{
		PoolSize:     cfg.Browser.PoolSize,
		UserAgent:    cfg.Browser.UserAgent,
		Locale:       cfg.Browser.Locale,
		Timezone:     cfg.Browser.Timezone,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
	}, logger.Named("browser"))
	if err != nil {
		app.close()
		return nil, fmt.Errorf("start browser pool: %w", err)
	}
	app.pool = pool

	client := scraper.NewClient(pool, scraper.Config{
		BaseURL:       cfg.Scraper.BaseURL,
		MaxAttempts:   cfg.Scraper.MaxAttempts,
		NavTimeout:    cfg.NavTimeout(),
		MarkerTimeout: cfg.MarkerTimeout(),
		BackoffMin:    time.Duration(cfg.Scraper.BackoffMinMs) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Scraper.BackoffMaxMs) * time.Millisecond,
	}, snapshots, logger.Named("scraper"))

	orchestrator := scraper.NewOrchestrator(client, cfg.Recommend.PrimaryCap, logger.Named("orchestrator"))

	lexical, err := scorer.NewLexical(cfg.Scorer.CatalogPath, cfg.Scorer.TopN,
		time.Now().UnixNano(), logger.Named("scorer"))
	if err != nil {
		app.close()
		return nil, fmt.Errorf("load scorer catalog: %w", err)
	}

	app.registry = task.NewRegistry()
	runner := task.NewRunner(
		store, app.registry, lexical, orchestrator, publisher,
		system.New(), uuid.NewUUIDGenerator(),
		task.RunnerConfig{
			MaxKeywords:     cfg.Recommend.MaxKeywords,
			CandidateSample: cfg.Recommend.CandidateSample,
			RandomSample:    cfg.Recommend.RandomSample,
			Topic:           cfg.PubSub.TopicName,
		},
		logger.Named("task"),
	)

	behaviors := behavior.NewStore(behavior.DefaultCapacity)

	apiCfg := api.Config{
		DefaultChannel:  "v1",
		ColdStartSample: cfg.Recommend.ColdStartSample,
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	app.handler = api.NewServer(runner, behaviors, client, lexical, apiCfg, logger.Named("api"))
	return app, nil
}

func (a *App) buildStore(ctx context.Context) (recsys.TaskStore, error) {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database dsn configured, using in-memory task store")
		return memory.NewTaskStore(), nil
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)

	store := postgres.NewTaskStore(pool, a.logger.Named("store"))
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) buildSnapshots(ctx context.Context) (recsys.BlobStore, error) {
	switch a.cfg.Snapshots.Backend {
	case "":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		return local.New(a.cfg.Snapshots.BaseDir)
	case "gcs":
		bs, err := gcs.New(ctx, a.cfg.Snapshots.Bucket, a.cfg.Snapshots.Prefix)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { _ = bs.Close() })
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown snapshots backend: %s", a.cfg.Snapshots.Backend)
	}
}

func (a *App) buildPublisher(ctx context.Context) (recsys.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		return pubmem.New(), nil
	}
	pub, err := pubgcp.New(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.cleanup = append(a.cleanup, func() { _ = pub.Close() })
	return pub, nil
}

// Run serves HTTP until SIGINT/SIGTERM, then drains in-flight requests,
// shuts the browser pool down and releases external clients.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", zap.Error(err))
	}
	a.close()
	return nil
}

// close tears everything down in reverse dependency order.
func (a *App) close() {
	if a.pool != nil {
		a.pool.Shutdown()
		a.pool = nil
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
