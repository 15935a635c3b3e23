package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/discount"
	jobmetrics "github.com/manabi-erp/manabi/internal/jobs"
	"github.com/manabi-erp/manabi/internal/shared"
)

// DiscountRecomputer recomputes the discounts of one tenant month.
type DiscountRecomputer interface {
	RecomputePeriod(ctx context.Context, req discount.Request) (discount.Result, error)
}

// BillingDiscountsJob fans the discount recompute out over tenants.
type BillingDiscountsJob struct {
	Engine      DiscountRecomputer
	Tenants     TenantLister
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
	clock       func() time.Time
}

// NewBillingDiscountsJob constructs the job handler.
func NewBillingDiscountsJob(engine DiscountRecomputer, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingDiscountsJob {
	return &BillingDiscountsJob{
		Engine:  engine,
		Tenants: tenants,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now()
		},
	}
}

// Handle executes the billing:discounts task.
func (j *BillingDiscountsJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("billing discounts: dependencies not configured")
	}
	var payload BillingPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	month, err := resolveMonth(payload.Year, payload.Month, payload.Relative, j.now())
	if err != nil {
		j.log().Error("resolve month", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBillingDiscounts)
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

	resultErr = fanOut(ctx, tenants, j.Parallelism, func(ctx context.Context, tenantID int64) error {
		return j.runTenant(ctx, tenantID, month, payload.DryRun)
	})
	return resultErr
}

func (j *BillingDiscountsJob) runTenant(ctx context.Context, tenantID int64, month shared.BillingMonth, dryRun bool) error {
	logger := j.log().With(slog.Int64("tenant_id", tenantID), slog.String("month", month.String()))
	res, err := j.Engine.RecomputePeriod(ctx, discount.Request{TenantID: tenantID, Year: month.Year, Month: month.Month, DryRun: dryRun})
	if err != nil {
		logger.Error("recompute discounts", slog.Any("error", err))
		return err
	}
	total := res.Total()
	j.metrics().RecordSummary(TaskBillingDiscounts, total)
	logger.Info("discounts recomputed",
		slog.Int("updated", total.Updated),
		slog.Int("skipped", total.Skipped),
		slog.Int("errors", total.Errors),
		slog.Bool("dry_run", dryRun),
	)
	return nil
}

func (j *BillingDiscountsJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingDiscountsJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingDiscounts))
	}
	return slog.Default().With(slog.String("job", TaskBillingDiscounts))
}

func (j *BillingDiscountsJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BillingDiscountsJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
