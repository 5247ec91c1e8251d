package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	rbachttp "github.com/odyssey-erp/odyssey-access/internal/rbac/http"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/postgres"
	"github.com/odyssey-erp/odyssey-access/internal/rbac/redisstore"
	"github.com/odyssey-erp/odyssey-access/internal/users"
	"github.com/odyssey-erp/odyssey-access/jobs"
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
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PostgresOptions("odyssey-accessd"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts, err := jobs.RedisOpt(cfg.RedisOptions())
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("job inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	repo := postgres.NewRepository(dbpool)
	service, err := rbac.NewService(rbac.Dependencies{
		Roles:       repo,
		Permissions: repo,
		Assignments: repo,
		Pending:     redisstore.NewPendingStore(redisClient, cfg.RBACPendingKey),
		Publisher:   jobClient,
		Recorder:    metrics,
		Logger:      logger,
	}, cfg.RBACConfig())
	if err != nil {
		logger.Error("init rbac service", slog.Any("error", err))
		os.Exit(1)
	}
	if err := service.Load(ctx); err != nil {
		logger.Error("load rbac state", slog.Any("error", err))
		os.Exit(1)
	}
	defer service.Close()

	directory := users.NewService(users.NewRepository(dbpool))
	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		RBACHandler:  rbachttp.NewHandler(logger, service, directory),
		AuditHandler: audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool))),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Readiness: map[string]app.ReadinessCheck{
			"postgres": dbpool.Ping,
			"redis": func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr), slog.Int("pending_deletions", len(service.PendingDeletions())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
}
