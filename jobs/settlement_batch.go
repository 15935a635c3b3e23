package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/manabi-erp/manabi/internal/jobs"
	"github.com/manabi-erp/manabi/internal/settlement"
	"github.com/manabi-erp/manabi/internal/shared"
)

// BatchGenerator builds direct-debit batches.
type BatchGenerator interface {
	GenerateBatch(ctx context.Context, in settlement.GenerateInput) (settlement.GenerateResult, error)
	ListActiveProviders(ctx context.Context, tenantID int64) ([]settlement.Provider, error)
}

// SettlementBatchJob generates the batches of every active provider per tenant. A batch
// that already exists for the period is left alone.
type SettlementBatchJob struct {
	Service     BatchGenerator
	Tenants     TenantLister
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
	clock       func() time.Time
}

// NewSettlementBatchJob constructs the job handler.
func NewSettlementBatchJob(service BatchGenerator, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *SettlementBatchJob {
	return &SettlementBatchJob{
		Service: service,
		Tenants: tenants,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now()
		},
	}
}

// Handle executes the settlement:batch task.
func (j *SettlementBatchJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("settlement batch: dependencies not configured")
	}
	var payload SettlementPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	month, err := resolveMonth(payload.Year, payload.Month, payload.Relative, j.now())
	if err != nil {
		j.log().Error("resolve month", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskSettlementBatch)
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
		return j.runTenant(ctx, tenantID, payload.ProviderID, month, payload.DryRun)
	})
	return resultErr
}

func (j *SettlementBatchJob) runTenant(ctx context.Context, tenantID, providerID int64, month shared.BillingMonth, dryRun bool) error {
	logger := j.log().With(slog.Int64("tenant_id", tenantID), slog.String("month", month.String()))
	providers := []int64{providerID}
	if providerID == 0 {
		active, err := j.Service.ListActiveProviders(ctx, tenantID)
		if err != nil {
			logger.Error("list providers", slog.Any("error", err))
			return err
		}
		providers = providers[:0]
		for _, p := range active {
			providers = append(providers, p.ID)
		}
	}
	var errs []error
	for _, id := range providers {
		res, err := j.Service.GenerateBatch(ctx, settlement.GenerateInput{
			TenantID:   tenantID,
			ProviderID: id,
			Year:       month.Year,
			Month:      month.Month,
			DryRun:     dryRun,
			Actor:      "worker",
		})
		switch {
		case errors.Is(err, settlement.ErrBatchExists):
			logger.Info("batch already generated", slog.Int64("provider_id", id))
			continue
		case err != nil:
			logger.Error("generate batch", slog.Int64("provider_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("provider %d: %w", id, err))
			continue
		}
		j.metrics().RecordSummary(TaskSettlementBatch, res.Summary)
		logger.Info("batch generated",
			slog.Int64("provider_id", id),
			slog.String("batch_no", res.Batch.BatchNo),
			slog.Int("lines", res.Batch.TotalCount),
			slog.Int64("amount", res.Batch.TotalAmount),
			slog.Int("excluded", res.Excluded),
		)
	}
	return errors.Join(errs...)
}

func (j *SettlementBatchJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SettlementBatchJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSettlementBatch))
	}
	return slog.Default().With(slog.String("job", TaskSettlementBatch))
}

func (j *SettlementBatchJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *SettlementBatchJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
