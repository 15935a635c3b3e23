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

	"github.com/manabi-erp/manabi/cmd/manabi/cli"
	"github.com/manabi-erp/manabi/internal/app"
	billinghttp "github.com/manabi-erp/manabi/internal/billing/http"
	"github.com/manabi-erp/manabi/internal/observability"
	settlementhttp "github.com/manabi-erp/manabi/internal/settlement/http"
	"github.com/manabi-erp/manabi/jobs"
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

	pool, redisClient, closeConns, err := app.Connect(ctx, cfg, "manabi")
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
	if err := services.SyncProviders(ctx, cfg, logger); err != nil {
		logger.Error("sync payment providers", slog.Any("error", err))
		os.Exit(1)
	}

	args := os.Args[1:]
	if len(args) > 0 && args[0] != "serve" {
		jobsCLI := cli.NewJobsCLI(cfg.QueueRedis())
		code := cli.Run(ctx, args, cli.Env{
			Billing:    cli.NewBillingOpsCLI(services.Generator, services.Discounts, services.Billings, services.Runs),
			Settlement: cli.NewSettlementOpsCLI(services.Settlement),
			Jobs:       jobsCLI,
		})
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
		closeConns()
		os.Exit(code)
	}

	serve(ctx, stop, cfg, logger, services)
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger, services *app.Services) {
	redisOpts := cfg.QueueRedis()
	queue := jobs.NewClient(redisOpts)
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		BillingHandler:    billinghttp.NewHandler(logger, services.Runs, queue, services.Billings),
		SettlementHandler: settlementhttp.NewHandler(logger, services.Settlement, cfg.SettlementImportRateLimit),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
