package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maltedev/catalog-scraper/internal/catalog/api"
	"github.com/maltedev/catalog-scraper/internal/catalog/config"
	"github.com/maltedev/catalog-scraper/internal/catalog/jobs"
	"github.com/maltedev/catalog-scraper/internal/catalog/scheduler"
	"github.com/maltedev/catalog-scraper/internal/catalog/sites"
	"github.com/maltedev/catalog-scraper/internal/database"
	"github.com/maltedev/catalog-scraper/internal/queue"
	"github.com/maltedev/catalog-scraper/internal/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// jobQueue is what both queue backends provide.
type jobQueue interface {
	queue.Queue
	queue.TriggerRegistry
}

// backend groups the stores one process runs against.
type backend struct {
	sellers scheduler.SellerStore
	jobs interface {
		jobs.JobStore
		scheduler.JobSyncStore
	}
	products sites.Persister
	activity interface {
		jobs.ActivityLogger
		api.ActivityReader
	}
	outbox api.OutboxStats
	db     *database.DB
	close  func()
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer be.close()

	var redisClient *redis.Client
	if cfg.Store.Queue == config.QueueRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
	}

	q, err := openQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.Error("failed to open queue", "backend", cfg.Store.Queue, "error", err)
		os.Exit(1)
	}
	defer q.Close()

	// background loops that must finish before the stores close
	var background sync.WaitGroup
	goBackground := func(fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn()
		}()
	}

	if be.db != nil && redisClient != nil {
		relay := database.NewRelay(database.NewOutboxRepository(be.db), redisClient, logger, database.RelayConfig{
			PollInterval: cfg.Relay.PollInterval,
			BatchSize:    cfg.Relay.BatchSize,
		})
		goBackground(func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		})
	}

	siteConfigs, err := sites.LoadConfigs(cfg.Scraper.SitesFile)
	if err != nil {
		logger.Error("failed to load site definitions", "file", cfg.Scraper.SitesFile, "error", err)
		os.Exit(1)
	}
	registry, err := sites.BuildRegistry(siteConfigs, be.products, sites.CrawlerOptions{
		UserAgent:      cfg.Scraper.UserAgent,
		RequestTimeout: cfg.Scraper.RequestTimeout,
		Delay:          cfg.Scraper.PolitenessMin,
		RandomDelay:    cfg.Scraper.PolitenessMax - cfg.Scraper.PolitenessMin,
	}, logger)
	if err != nil {
		logger.Error("failed to build site registry", "error", err)
		os.Exit(1)
	}
	logger.Info("site registry ready", "sites", registry.Names())

	executor := jobs.NewExecutor(be.jobs, registry, q, be.activity, jobs.ExecutorConfig{
		PolitenessMin:   cfg.Scraper.PolitenessMin,
		PolitenessMax:   cfg.Scraper.PolitenessMax,
		FrequencyWindow: cfg.Scraper.FrequencyWindow,
	}, logger)
	manager := jobs.NewManager(be.jobs, be.sellers, q, logger)
	worker := jobs.NewWorker(q, be.jobs, executor, manager, jobs.WorkerConfig{
		Concurrency: cfg.Scraper.Workers,
		MaxRetries:  cfg.Scraper.MaxRetries,
	}, logger)
	goBackground(func() { worker.Start(ctx) })

	sched := scheduler.New(be.sellers, be.jobs, q, q, scheduler.Config{StaleAfter: cfg.Scheduler.StaleAfter}, logger)
	if cfg.Scheduler.ReconcileOnStart {
		report, err := sched.InitializeOnServerStart(ctx)
		if err != nil {
			logger.Error("startup reconcile failed", "error", err)
		} else {
			logger.Info("startup reconcile finished",
				"expected", report.Expected,
				"existing", report.Existing,
				"scheduled", report.Scheduled,
				"errors", len(report.Errors))
		}
	}

	dispatcher := scheduler.NewDispatcher(q, be.sellers, manager, scheduler.DispatcherConfig{
		Interval: cfg.Scheduler.DispatchInterval,
	}, logger)
	goBackground(func() { dispatcher.Start(ctx) })

	handlers := api.NewHandlers(sched, manager, be.activity, be.outbox, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port, "store", cfg.Store.Backend, "queue", cfg.Store.Queue)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// in-flight jobs get to write their terminal status
	if !drain(&background, cfg.Server.ShutdownTimeout) {
		logger.Warn("background loops still running after shutdown timeout", "timeout", cfg.Server.ShutdownTimeout)
	}
	logger.Info("server stopped")
}

// drain waits for wg up to timeout and reports whether it finished.
func drain(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, _ := config.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Store.Backend == config.StoreFile {
		store, err := storage.New(cfg.Store.File)
		if err != nil {
			return nil, err
		}
		return &backend{
			sellers:  store,
			jobs:     store,
			products: store,
			activity: store,
			close:    func() {},
		}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &backend{
		sellers:  database.NewSellerRepository(db),
		jobs:     database.NewJobRepository(db),
		products: database.NewProductRepository(db, logger),
		activity: database.NewActivityRepository(db),
		outbox:   database.NewOutboxRepository(db),
		db:       db,
		close:    db.Close,
	}, nil
}

func openQueue(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) (jobQueue, error) {
	if client == nil {
		return queue.NewInMemoryQueue(), nil
	}
	q, err := queue.NewRedisQueue(ctx, client, queue.RedisConfig{
		Stream:   cfg.Redis.Stream,
		Group:    cfg.Redis.Group,
		Consumer: cfg.Redis.Consumer,
	}, logger)
	if err != nil {
		return nil, err
	}
	return q, nil
}
