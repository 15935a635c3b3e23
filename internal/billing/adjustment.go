package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Adjustment is a signed guardian-level amount from the external adjustment collaborator.
type Adjustment struct {
	GuardianID int64
	Amount     int64
	Note       string
}

// AdjustmentFeed lists the adjustments recorded for a tenant month.
type AdjustmentFeed interface {
	ListAdjustments(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]Adjustment, error)
}

// AdjustmentMerger folds guardian adjustments into adjustment_amount.
type AdjustmentMerger struct {
	store  *Store
	feed   AdjustmentFeed
	logger *slog.Logger
}

// NewAdjustmentMerger wires the merger.
func NewAdjustmentMerger(store *Store, feed AdjustmentFeed, logger *slog.Logger) *AdjustmentMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdjustmentMerger{store: store, feed: feed, logger: logger.With(slog.String("component", "billing.adjustment"))}
}

// Merge sets adjustment_amount on each guardian's lowest-sorted billing to the sum of the
// guardian's adjustments and zeroes it on the guardian's other billings. Values are
// replaced rather than added so reruns converge. guardians limits the merge to the given
// ids; nil merges every guardian present in the feed.
func (m *AdjustmentMerger) Merge(ctx context.Context, tenantID int64, month shared.BillingMonth, guardians []int64, summary *shared.RunSummary) error {
	if m == nil || m.feed == nil {
		return nil
	}
	adjustments, err := m.feed.ListAdjustments(ctx, tenantID, month)
	if err != nil {
		return fmt.Errorf("billing: list adjustments: %w", err)
	}
	sums := make(map[int64]int64)
	for _, a := range adjustments {
		sums[a.GuardianID] += a.Amount
	}
	targets := guardians
	if targets == nil {
		for id := range sums {
			targets = append(targets, id)
		}
	}
	for _, guardianID := range targets {
		key := fmt.Sprintf("guardian=%d", guardianID)
		if err := m.mergeGuardian(ctx, tenantID, month, guardianID, sums[guardianID], summary); err != nil {
			m.logger.Error("adjustment merge failed", slog.Int64("guardian_id", guardianID), slog.Any("error", err))
			if summary != nil {
				summary.AddError(key, err)
			}
		}
	}
	return nil
}

func (m *AdjustmentMerger) mergeGuardian(ctx context.Context, tenantID int64, month shared.BillingMonth, guardianID, amount int64, summary *shared.RunSummary) error {
	rows, err := m.store.ListByGuardian(ctx, tenantID, guardianID, month)
	if err != nil {
		return err
	}
	SortByStudent(rows)
	for i, row := range rows {
		want := int64(0)
		if i == 0 {
			want = amount
		}
		if row.AdjustmentAmount == want {
			continue
		}
		if summary != nil && summary.DryRun {
			summary.AddUpdated()
			continue
		}
		value := want
		if _, err := m.store.Update(ctx, tenantID, row.ID, UpdateInput{Adjustment: &value}); err != nil {
			return err
		}
		if summary != nil {
			summary.AddUpdated()
		}
	}
	return nil
}
