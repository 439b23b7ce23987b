package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pharmacore/pharmacore/cmd/pharmacore/cli"
	"github.com/pharmacore/pharmacore/internal/app"
	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/ledger"
	"github.com/pharmacore/pharmacore/internal/observability"
	"github.com/pharmacore/pharmacore/internal/platform/cache"
	"github.com/pharmacore/pharmacore/internal/platform/db"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
	"github.com/pharmacore/pharmacore/internal/shared"
	"github.com/pharmacore/pharmacore/internal/stocktake"
	"github.com/pharmacore/pharmacore/jobs"
	"github.com/pharmacore/pharmacore/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		if err := runCommand(ctx, cfg, logger, os.Args[1:]); err != nil {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "migrate":
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		applied, err := migrations.Apply(ctx, pool, logger)
		if err != nil {
			return err
		}
		logger.Info("migrations complete", slog.Int("applied", applied))
		return nil
	case "jobs":
		if len(args) < 2 {
			return fmt.Errorf("usage: pharmacore jobs trigger <task>|stats")
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyRetention)
		if err != nil {
			return err
		}
		defer func() {
			if err := jobsCLI.Close(); err != nil {
				logger.Warn("jobs cli close", slog.Any("error", err))
			}
		}()
		switch args[1] {
		case "trigger":
			if len(args) < 3 {
				return fmt.Errorf("usage: pharmacore jobs trigger <task>")
			}
			info, err := jobsCLI.Trigger(ctx, args[2])
			if err != nil {
				return err
			}
			logger.Info("job enqueued", slog.String("task", args[2]), slog.String("id", info.ID))
			return nil
		case "stats":
			stats, err := jobsCLI.InspectQueue(ctx)
			if err != nil {
				return err
			}
			logger.Info("queue stats",
				slog.String("queue", stats.Queue),
				slog.Int("pending", stats.Pending),
				slog.Int("active", stats.Active),
				slog.Int("scheduled", stats.Scheduled),
				slog.Int("retry", stats.Retry))
			return nil
		}
		return fmt.Errorf("unknown jobs command %q", args[1])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "pharmacore_session", cfg.SessionTTL, cfg.IsProduction())
	auditLogger := shared.NewAuditLogger(dbpool)
	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(dbpool)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	catalogService := catalog.NewService(catalog.NewRepository(dbpool))
	postingGate := posting.NewGate(posting.NewRepository(dbpool))
	ledgerService := ledger.NewService(ledger.NewRepository(dbpool), catalogService, auditLogger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	defaultCost, err := cfg.DefaultCost()
	if err != nil {
		return err
	}
	stockTakeService := stocktake.NewService(
		stocktake.NewRepository(dbpool),
		catalogService,
		stocktake.Dependencies{
			Documents: postingGate,
			Audit:     auditLogger,
			Locker:    cache.NewLocker(redisClient),
			Notifier:  jobClient,
			Metrics:   observability.NewStockTakeMetrics(metrics.Registerer()),
		},
		stocktake.Options{DefaultCost: defaultCost, LockTTL: cfg.StockTakeCompleteLockTTL},
		logger,
	)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		SessionManager:   sessionManager,
		CatalogHandler:   catalog.NewHandler(logger, catalogService, rbacMiddleware),
		LedgerHandler:    ledger.NewHandler(logger, ledgerService, rbacMiddleware),
		StockTakeHandler: stocktake.NewHandler(logger, stockTakeService, rbacMiddleware),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Pool:             dbpool,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}
