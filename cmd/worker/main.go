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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/app"
	"github.com/manabi-erp/manabi/internal/observability"
	"github.com/manabi-erp/manabi/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, redisClient, closeConns, err := app.Connect(ctx, cfg, "manabi-worker")
	if err != nil {
		logger.Error("connect backends", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeConns()

	services, err := app.NewServices(cfg, pool, redisClient, logger)
	if err != nil {
		logger.Error("wire services", slog.Any("error", err))
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", slog.Any("error", err))
		os.Exit(1)
	}

	registry := observability.NewMetrics()
	metrics := registry.Jobs()
	if cfg.WorkerMetricsAddr != "" {
		mux := chi.NewRouter()
		mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		mux.Method(http.MethodGet, "/metrics", registry.Handler())
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	generateJob := jobs.NewBillingGenerateJob(services.Generator, services.Directory, services.Runs, logger, metrics)
	generateJob.Parallelism = cfg.BillingTenantParallelism
	discountsJob := jobs.NewBillingDiscountsJob(services.Discounts, services.Directory, logger, metrics)
	discountsJob.Parallelism = cfg.BillingTenantParallelism
	batchJob := jobs.NewSettlementBatchJob(services.Settlement, services.Directory, logger, metrics)
	batchJob.Parallelism = cfg.BillingTenantParallelism

	generateTask, err := jobs.NewBillingGenerateTask(jobs.BillingPayload{Relative: jobs.MonthNext})
	if err != nil {
		logger.Error("build generate task", slog.Any("error", err))
		os.Exit(1)
	}
	discountsTask, err := jobs.NewBillingDiscountsTask(jobs.BillingPayload{Relative: jobs.MonthNext})
	if err != nil {
		logger.Error("build discounts task", slog.Any("error", err))
		os.Exit(1)
	}
	batchTask, err := jobs.NewSettlementBatchTask(jobs.SettlementPayload{Relative: jobs.MonthCurrent})
	if err != nil {
		logger.Error("build settlement task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:       cfg.QueueRedis(),
		Logger:          logger,
		Concurrency:     cfg.BillingWorkerConcurrency,
		Location:        loc,
		ShutdownTimeout: cfg.WorkerShutdownTimeout,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingGenerate, Handler: generateJob.Handle},
			{Type: jobs.TaskBillingDiscounts, Handler: discountsJob.Handle},
			{Type: jobs.TaskSettlementBatch, Handler: batchJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingGenerateCron, Task: generateTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.BillingDiscountsCron, Task: discountsTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.SettlementBatchCron, Task: batchTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
