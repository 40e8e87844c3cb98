// Package main wires together the snapshot service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/api"
	"github.com/pagesnap/pagesnap/internal/botcache"
	"github.com/pagesnap/pagesnap/internal/clock/system"
	"github.com/pagesnap/pagesnap/internal/config"
	"github.com/pagesnap/pagesnap/internal/content"
	"github.com/pagesnap/pagesnap/internal/id/uuid"
	"github.com/pagesnap/pagesnap/internal/logging"
	"github.com/pagesnap/pagesnap/internal/queue"
	chromerenderer "github.com/pagesnap/pagesnap/internal/renderer/chromedp"
	"github.com/pagesnap/pagesnap/internal/renderer/noop"
	"github.com/pagesnap/pagesnap/internal/robots"
	"github.com/pagesnap/pagesnap/internal/service"
	"github.com/pagesnap/pagesnap/internal/sitecron"
	"github.com/pagesnap/pagesnap/internal/sitemap"
	"github.com/pagesnap/pagesnap/internal/snap"
	"github.com/pagesnap/pagesnap/internal/store/memory"
	"github.com/pagesnap/pagesnap/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, snapshots, closeStore, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStore()

	// Jobs left running by a previous process are claimable again.
	released, err := jobs.ReleaseStale(ctx)
	if err != nil {
		logger.Fatal("release stale jobs failed", zap.Error(err))
	}
	if released > 0 {
		logger.Info("stale jobs released", zap.Int("count", released))
	}

	store, err := content.New(cfg.Data.Dir, logger.Named("content"))
	if err != nil {
		logger.Fatal("content store init failed", zap.Error(err))
	}

	clock := system.New()
	idGen := uuid.New()
	robotsChecker := robots.New(cfg.Renderer.UserAgent, logger.Named("robots"))
	registry := queue.NewRegistry()

	var renderer snap.PageRenderer
	chrome, err := chromerenderer.New(chromerenderer.Config{
		MaxParallel: cfg.Renderer.MaxParallel,
		UserAgent:   cfg.Renderer.UserAgent,
		DomainQPS:   cfg.Renderer.DomainQPS,
		ExecPath:    cfg.Renderer.ExecPath,
		Idle:        cfg.Renderer.IdleTime(),
	}, logger.Named("renderer"))
	if err != nil {
		logger.Warn("headless renderer init failed, using noop", zap.Error(err))
		renderer = noop.New()
	} else {
		defer chrome.Close()
		renderer = chrome
	}

	worker := &queue.Worker{
		Jobs:      jobs,
		Snapshots: snapshots,
		Renderer:  renderer,
		Robots:    robotsChecker,
		Content:   store,
		Clock:     clock,
		Registry:  registry,
		Globals: queue.Globals{
			Cookies:      cfg.Crawler.Cookies,
			LocalStorage: cfg.Crawler.LocalStorage,
		},
		Log: logger.Named("worker"),
	}
	engine := queue.NewEngine(jobs, worker, cfg.Queues.PollInterval(), cfg.Queues.Concurrency, logger.Named("queue"))

	svc := service.New(jobs, snapshots, store, registry, clock, idGen, cfg.Data.AppURL, logger.Named("service"))

	scheduler := sitecron.New(cfg.SiteCron,
		robotsChecker,
		sitemap.NewFetcher(cfg.Renderer.UserAgent, logger.Named("sitemap")),
		svc, clock, logger.Named("sitecron"))
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("site scheduler start failed", zap.Error(err))
	}
	defer scheduler.Stop()

	bot := botcache.New(botcache.Config{}, svc, logger.Named("botcache"))
	apiServer := api.NewServer(svc, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           bot.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-engineDone
	logger.Info("shutdown complete")
}

// buildStores selects the configured backend. Postgres gets its schema
// applied on start; memory is for development only.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (snap.JobStore, snap.SnapshotStore, func(), error) {
	switch cfg.DB.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, postgres.Config{DSN: cfg.DB.DSN})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		jobs, err := postgres.NewJobStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		snapshots, err := postgres.NewSnapshotStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info("using postgres store")
		return jobs, snapshots, pool.Close, nil
	case "memory", "":
		logger.Info("using in-memory store")
		return memory.NewJobStore(), memory.NewSnapshotStore(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}
