// Package discount recomputes the corporate and family mile discounts of confirmed
// billings. Both passes are idempotent and always run corporate first.
package discount

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Request scopes one recompute.
type Request struct {
	TenantID int64
	Year     int
	Month    int
	DryRun   bool
}

// Result carries the per-pass summaries.
type Result struct {
	Corporate  *shared.RunSummary `json:"corporate"`
	FamilyMile *shared.RunSummary `json:"family_mile"`
}

// Total merges both pass summaries.
func (r Result) Total() *shared.RunSummary {
	dry := r.Corporate != nil && r.Corporate.DryRun
	out := shared.NewRunSummary(shared.DefaultMessageCap*2, dry)
	out.Merge(r.Corporate)
	out.Merge(r.FamilyMile)
	return out
}

// Engine runs the passes in their fixed order.
type Engine struct {
	corporate  *CorporatePass
	mile       *FamilyMilePass
	logger     *slog.Logger
	messageCap int
}

// NewEngine wires the engine. Either pass may be nil to disable it.
func NewEngine(corporate *CorporatePass, mile *FamilyMilePass, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{corporate: corporate, mile: mile, logger: logger.With(slog.String("component", "discount.engine")), messageCap: shared.DefaultMessageCap}
}

// WithMessageCap bounds the messages kept per pass.
func (e *Engine) WithMessageCap(n int) *Engine {
	if n > 0 {
		e.messageCap = n
	}
	return e
}

// RecomputePeriod runs the corporate pass, then the family mile pass. Only failures to
// read the period abort; per-billing and per-guardian errors are counted.
func (e *Engine) RecomputePeriod(ctx context.Context, req Request) (Result, error) {
	if req.TenantID <= 0 {
		return Result{}, fmt.Errorf("discount: tenant required: %w", shared.ErrFatal)
	}
	month, err := shared.NewBillingMonth(req.Year, req.Month)
	if err != nil {
		return Result{}, fmt.Errorf("discount: %w", err)
	}
	res := Result{
		Corporate:  shared.NewRunSummary(e.messageCap, req.DryRun),
		FamilyMile: shared.NewRunSummary(e.messageCap, req.DryRun),
	}
	logger := e.logger.With(slog.Int64("tenant_id", req.TenantID), slog.String("month", month.String()), slog.Bool("dry_run", req.DryRun))
	if e.corporate != nil {
		if err := e.corporate.Run(ctx, req.TenantID, month, req.DryRun, res.Corporate); err != nil {
			return res, err
		}
	}
	if e.mile != nil {
		if err := e.mile.Run(ctx, req.TenantID, month, req.DryRun, res.FamilyMile); err != nil {
			return res, err
		}
	}
	logger.Info("discount recompute finished",
		slog.Int("corporate_updated", res.Corporate.Updated),
		slog.Int("corporate_errors", res.Corporate.Errors),
		slog.Int("mile_updated", res.FamilyMile.Updated),
		slog.Int("mile_errors", res.FamilyMile.Errors),
	)
	return res, nil
}
