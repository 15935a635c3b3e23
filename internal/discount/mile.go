package discount

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/shared"
)

// FamilyMileDiscountName is the display name written on family mile entries.
const FamilyMileDiscountName = "ファミリーマイル割引"

// MileLedger reports a guardian's redeemable loyalty points for the month.
type MileLedger interface {
	Points(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) (int64, error)
}

// MilePolicy converts points into yen: every UnitPoints points are worth YenPerUnit yen,
// capped at MaxYen when positive.
type MilePolicy struct {
	UnitPoints int64
	YenPerUnit int64
	MaxYen     int64
}

// DefaultMilePolicy redeems 500 points for ¥500.
var DefaultMilePolicy = MilePolicy{UnitPoints: 500, YenPerUnit: 500}

// Amount returns the yen value of points.
func (p MilePolicy) Amount(points int64) int64 {
	if p.UnitPoints <= 0 || points <= 0 {
		return 0
	}
	yen := (points / p.UnitPoints) * p.YenPerUnit
	if p.MaxYen > 0 && yen > p.MaxYen {
		yen = p.MaxYen
	}
	return yen
}

// FamilyMilePass attaches one mile discount per guardian per month.
type FamilyMilePass struct {
	store  *billing.Store
	ledger MileLedger
	policy MilePolicy
	logger *slog.Logger
}

// NewFamilyMilePass wires the pass. A zero policy falls back to DefaultMilePolicy.
func NewFamilyMilePass(store *billing.Store, ledger MileLedger, policy MilePolicy, logger *slog.Logger) *FamilyMilePass {
	if policy.UnitPoints <= 0 {
		policy = DefaultMilePolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FamilyMilePass{store: store, ledger: ledger, policy: policy, logger: logger.With(slog.String("component", "discount.family_mile"))}
}

// Run recomputes the mile discount of every guardian with a live billing in the month.
func (p *FamilyMilePass) Run(ctx context.Context, tenantID int64, month shared.BillingMonth, dryRun bool, summary *shared.RunSummary) error {
	rows, err := p.store.ListByPeriod(ctx, tenantID, month)
	if err != nil {
		return fmt.Errorf("discount: list period: %w", err)
	}
	byGuardian := map[int64][]billing.ConfirmedBilling{}
	var guardians []int64
	for _, row := range rows {
		if _, ok := byGuardian[row.GuardianID]; !ok {
			guardians = append(guardians, row.GuardianID)
		}
		byGuardian[row.GuardianID] = append(byGuardian[row.GuardianID], row)
	}
	for _, guardianID := range guardians {
		key := fmt.Sprintf("guardian=%d", guardianID)
		if err := p.runGuardian(ctx, tenantID, month, guardianID, byGuardian[guardianID], dryRun, summary); err != nil {
			p.logger.Error("family mile discount failed", slog.String("key", key), slog.Any("error", err))
			summary.AddError(key, err)
		}
	}
	return nil
}

func (p *FamilyMilePass) runGuardian(ctx context.Context, tenantID int64, month shared.BillingMonth, guardianID int64, rows []billing.ConfirmedBilling, dryRun bool, summary *shared.RunSummary) error {
	points, err := p.ledger.Points(ctx, tenantID, guardianID, month)
	if err != nil {
		return fmt.Errorf("mile points: %w", err)
	}
	amount := p.policy.Amount(points)
	var combined int64
	for _, row := range rows {
		combined += row.Subtotal
	}
	if amount > combined {
		amount = combined
	}
	if amount < 0 {
		amount = 0
	}

	billing.SortByStudent(rows)
	targetID := rows[0].ID
	changed := 0
	for _, row := range rows {
		target := row.ID == targetID
		probe := row.Clone()
		if !applyMile(&probe, amount, target) {
			continue
		}
		changed++
		if dryRun {
			summary.AddUpdated()
			continue
		}
		if _, err := p.store.Mutate(ctx, tenantID, row.ID, func(b *billing.ConfirmedBilling) error {
			applyMile(b, amount, target)
			return nil
		}); err != nil {
			return fmt.Errorf("billing %d: %w", row.ID, err)
		}
		summary.AddUpdated()
	}
	if changed == 0 {
		summary.AddSkipped(fmt.Sprintf("guardian=%d", guardianID), "")
	}
	return nil
}

// applyMile drops every family mile entry of b and, on the target billing, appends one
// entry of amount. It reports whether the discount sequence changed.
func applyMile(b *billing.ConfirmedBilling, amount int64, target bool) bool {
	discounts := make([]billing.DiscountEntry, 0, len(b.Discounts)+1)
	for _, d := range b.Discounts {
		if d.Provenance != billing.ProvenanceFamilyMileDiscount {
			discounts = append(discounts, d)
		}
	}
	if target && amount > 0 {
		discounts = append(discounts, billing.DiscountEntry{
			Name:       FamilyMileDiscountName,
			Amount:     amount,
			Unit:       billing.UnitYen,
			Provenance: billing.ProvenanceFamilyMileDiscount,
			Family:     true,
		})
	}
	changed := !sameDiscounts(discounts, b.Discounts)
	b.Discounts = discounts
	return changed
}
