package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atmx/agent-engine/internal/api"
	"github.com/atmx/agent-engine/internal/config"
	"github.com/atmx/agent-engine/internal/database"
	"github.com/atmx/agent-engine/internal/executor"
	"github.com/atmx/agent-engine/internal/exit"
	"github.com/atmx/agent-engine/internal/jobstore"
	"github.com/atmx/agent-engine/internal/journal"
	"github.com/atmx/agent-engine/internal/ledger"
	"github.com/atmx/agent-engine/internal/risk"
	"github.com/atmx/agent-engine/internal/store"
	"github.com/atmx/agent-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("agent-engine exited", "err", err)
		os.Exit(1)
	}
}

// run wires and runs the engine until a shutdown signal. Startup errors are
// returned so deferred cleanup closes whatever was already opened.
func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Service.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.Service.Name)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	checks := make(map[string]func(context.Context) error)

	// --- Position store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pgPool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		cleanup = append(cleanup, pgPool.Close)
		checks["postgres"] = pgPool.Ping

		pg := store.NewPostgresStore(pgPool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory store (positions will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Job store, user locks, position cache ---
	var jobs jobstore.JobStore
	var serializer risk.Serializer
	if cfg.Redis.URL != "" {
		rdb, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		jobs = jobstore.NewRedisJobStore(rdb, cfg.Redis.Prefix+":jobs", cfg.Workers.Concurrency)
		serializer = risk.NewRedisLock(rdb, cfg.Redis.Prefix+":lock:user", cfg.Redis.LockTTL, 0)
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
		logger.Info("Redis job store enabled", "prefix", cfg.Redis.Prefix, "concurrency", cfg.Workers.Concurrency)
	} else {
		logger.Warn("redis.url not set, running single-process with in-memory job store")
		jobs = jobstore.NewMemoryJobStore(cfg.Workers.Concurrency)
		serializer = risk.NewKeyedMutex()
	}

	// --- Journal ---
	var jrnl journal.Journal
	if cfg.Journal.Path != "" {
		sj, err := journal.OpenSQLite(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
		}
		cleanup = append(cleanup, func() { sj.Close() })
		jrnl = sj
	} else {
		jrnl = journal.NewMemoryJournal()
	}

	// --- Paper gateway ---
	book := executor.NewPriceBook()
	for _, p := range cfg.Executor.Prices {
		book.Set(p.Market, p.Outcome, p.Price)
	}
	gateway := executor.NewPaperGateway(book, executor.PaperConfig{
		SlippageBps:    cfg.Executor.SlippageBps,
		ImpactBps:      cfg.Executor.ImpactBps,
		MaxSlippageBps: cfg.Executor.MaxSlippageBps,
		Latency:        cfg.Executor.Latency,
	}, logger)
	for _, u := range cfg.Users {
		if u.Balance != nil {
			gateway.SetBalance(u.ID, *u.Balance)
		}
	}

	// --- Pipeline ---
	hub := api.NewHub(logger)
	go hub.Run(ctx)

	led := ledger.New(st, ledger.WithLogger(logger))
	exec := executor.New(gateway, led, executor.Config{Timeout: cfg.Executor.Timeout}, logger)
	gate := risk.NewGate(cfg, st)

	evaluator := exit.New(exit.Config{Interval: cfg.Exit.Interval, Reemit: cfg.Exit.Reemit}, cfg, st, book, jobs, logger)
	evaluator.SetNotifier(hub)

	pool := worker.New(worker.Config{
		Workers:    cfg.Workers.Count,
		MaxRetries: cfg.Workers.MaxRetries,
		IdleWait:   cfg.Workers.IdleWait,
		Backoff:    jobstore.Backoff{Base: cfg.Workers.BackoffBase, Max: cfg.Workers.BackoffMax},
	}, jobs, gate, exec,
		worker.WithSerializer(serializer),
		worker.WithJournal(jrnl),
		worker.WithNotifier(hub),
		worker.WithNotifier(evaluator),
		worker.WithLogger(logger),
	)

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := evaluator.Start(ctx); err != nil {
		return fmt.Errorf("start exit evaluator: %w", err)
	}

	// --- HTTP server ---
	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Name:    cfg.Service.Name,
			Jobs:    jobs,
			Store:   st,
			History: jrnl,
			Limits:  cfg,
			Hub:     hub,
			Checks:  checks,
			Logger:  logger,
		}).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("agent-engine listening",
			"addr", cfg.HTTP.Addr,
			"workers", cfg.Workers.Count,
			"concurrency", cfg.Workers.Concurrency,
			"agents", len(cfg.AgentDefs),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case runErr = <-serveErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down agent-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	if err := evaluator.Stop(shutdownCtx); err != nil {
		logger.Error("exit evaluator stop error", "err", err)
	}
	// In-flight attempts finish their bookkeeping; unstarted ones stay queued.
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Error("worker pool stop error", "err", err)
	}
	cancel()
	logger.Info("agent-engine stopped")
	return runErr
}
