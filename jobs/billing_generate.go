package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/billing/generator"
	"github.com/manabi-erp/manabi/internal/billing/runctl"
	jobmetrics "github.com/manabi-erp/manabi/internal/jobs"
	"github.com/manabi-erp/manabi/internal/shared"
)

// BillingGenerator produces the confirmed billings of one tenant month.
type BillingGenerator interface {
	Run(ctx context.Context, req generator.Request) (*shared.RunSummary, error)
}

// BillingGenerateJob fans billing generation out over tenants.
type BillingGenerateJob struct {
	Generator   BillingGenerator
	Tenants     TenantLister
	Runs        *runctl.Control
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
	clock       func() time.Time
}

// NewBillingGenerateJob constructs the job handler. runs may be nil, in which case no
// progress is published and runs cannot be canceled externally.
func NewBillingGenerateJob(gen BillingGenerator, tenants TenantLister, runs *runctl.Control, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingGenerateJob {
	return &BillingGenerateJob{
		Generator: gen,
		Tenants:   tenants,
		Runs:      runs,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now()
		},
	}
}

// Handle executes the billing:generate task.
func (j *BillingGenerateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Generator == nil {
		return errors.New("billing generate: dependencies not configured")
	}
	var payload BillingPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	mode, err := generator.ParseMode(payload.Mode)
	if err != nil {
		j.log().Error("invalid mode", slog.String("mode", payload.Mode), slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	month, err := resolveMonth(payload.Year, payload.Month, payload.Relative, j.now())
	if err != nil {
		j.log().Error("resolve month", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBillingGenerate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	tenants, err := resolveTenants(ctx, j.Tenants, payload.TenantID)
	if err != nil {
		resultErr = err
		j.log().Error("resolve tenants", slog.Any("error", err))
		return resultErr
	}
	if len(tenants) == 0 {
		j.log().Info("no tenants to bill", slog.String("month", month.String()))
		return resultErr
	}

	start := j.now()
	resultErr = fanOut(ctx, tenants, j.Parallelism, func(ctx context.Context, tenantID int64) error {
		return j.runTenant(ctx, tenantID, month, mode, payload.DryRun)
	})
	j.log().Info("billing generation finished",
		slog.String("month", month.String()),
		slog.Int("tenants", len(tenants)),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("failed", resultErr != nil),
	)
	return resultErr
}

func (j *BillingGenerateJob) runTenant(ctx context.Context, tenantID int64, month shared.BillingMonth, mode generator.Mode, dryRun bool) error {
	logger := j.log().With(slog.Int64("tenant_id", tenantID), slog.String("month", month.String()))
	req := generator.Request{TenantID: tenantID, Year: month.Year, Month: month.Month, Mode: mode, DryRun: dryRun}

	var run *runctl.Run
	if j.Runs != nil {
		var err error
		run, err = j.Runs.Start(ctx, tenantID, month)
		if err != nil {
			logger.Warn("run control unavailable", slog.Any("error", err))
		} else {
			req.Progress = run
			req.Cancel = run
		}
	}

	summary, err := j.Generator.Run(ctx, req)
	if run != nil {
		if finishErr := run.Finish(ctx, summary, err); finishErr != nil {
			logger.Warn("record run finish", slog.Any("error", finishErr))
		}
	}
	if err != nil {
		logger.Error("generate billings", slog.Any("error", err))
		return err
	}
	j.metrics().RecordSummary(TaskBillingGenerate, summary)
	return nil
}

func (j *BillingGenerateJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingGenerateJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingGenerate))
	}
	return slog.Default().With(slog.String("job", TaskBillingGenerate))
}

func (j *BillingGenerateJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BillingGenerateJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
