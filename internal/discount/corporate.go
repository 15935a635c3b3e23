package discount

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/shared"
)

// DefaultCorporateRate applies when neither the affiliation nor a prior marker names a rate.
var DefaultCorporateRate = decimal.RequireFromString("0.5")

// CorporateDiscountName is the display name written on fresh corporate entries.
const CorporateDiscountName = "法人割引"

// Affiliation is a guardian's employer agreement.
type Affiliation struct {
	GuardianID int64
	Rate       decimal.Decimal
	// ProductCaps limits the discount per product code in yen.
	ProductCaps map[string]int64
	// Active is false once the agreement has ended; existing discounts are then removed.
	Active bool
}

// AffiliationSource lists the affiliations relevant to a tenant month.
type AffiliationSource interface {
	ListAffiliations(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]Affiliation, error)
}

// CorporatePass replaces the corporate discount of each billing with a fresh computation.
type CorporatePass struct {
	store       *billing.Store
	source      AffiliationSource
	defaultRate decimal.Decimal
	logger      *slog.Logger
}

// NewCorporatePass wires the pass. A zero defaultRate falls back to DefaultCorporateRate.
func NewCorporatePass(store *billing.Store, source AffiliationSource, defaultRate decimal.Decimal, logger *slog.Logger) *CorporatePass {
	if defaultRate.IsZero() {
		defaultRate = DefaultCorporateRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CorporatePass{store: store, source: source, defaultRate: defaultRate, logger: logger.With(slog.String("component", "discount.corporate"))}
}

// Run recomputes every live billing of the month.
func (p *CorporatePass) Run(ctx context.Context, tenantID int64, month shared.BillingMonth, dryRun bool, summary *shared.RunSummary) error {
	rows, err := p.store.ListByPeriod(ctx, tenantID, month)
	if err != nil {
		return fmt.Errorf("discount: list period: %w", err)
	}
	affiliations := map[int64]Affiliation{}
	if p.source != nil {
		list, err := p.source.ListAffiliations(ctx, tenantID, month)
		if err != nil {
			return fmt.Errorf("discount: list affiliations: %w", err)
		}
		for _, a := range list {
			affiliations[a.GuardianID] = a
		}
	}
	for _, row := range rows {
		p.runBilling(ctx, row, affiliations, dryRun, summary)
	}
	return nil
}

func (p *CorporatePass) runBilling(ctx context.Context, row billing.ConfirmedBilling, affiliations map[int64]Affiliation, dryRun bool, summary *shared.RunSummary) {
	key := fmt.Sprintf("billing=%d student=%d", row.ID, row.StudentID)
	affiliation, hasAffiliation := affiliations[row.GuardianID]
	probe := row.Clone()
	if !p.apply(&probe, affiliation, hasAffiliation) {
		summary.AddSkipped(key, "")
		return
	}
	if dryRun {
		summary.AddUpdated()
		return
	}
	_, err := p.store.Mutate(ctx, row.TenantID, row.ID, func(b *billing.ConfirmedBilling) error {
		p.apply(b, affiliation, hasAffiliation)
		return nil
	})
	if err != nil {
		p.logger.Error("corporate discount failed", slog.String("key", key), slog.Any("error", err))
		summary.AddError(key, err)
		return
	}
	summary.AddUpdated()
}

// apply rewrites the corporate entries of b and reports whether anything changed.
func (p *CorporatePass) apply(b *billing.ConfirmedBilling, a Affiliation, hasAffiliation bool) bool {
	var marker *billing.DiscountEntry
	for i := range b.Discounts {
		if b.Discounts[i].Provenance == billing.ProvenanceCorporateDiscount {
			marker = &b.Discounts[i]
			break
		}
	}
	hasNegativeLine := false
	for _, it := range b.Items {
		if it.Provenance == billing.ProvenanceCorporateDiscount {
			hasNegativeLine = true
			break
		}
	}
	if !hasAffiliation && marker == nil && !hasNegativeLine {
		return false
	}

	var fresh *billing.DiscountEntry
	if !hasAffiliation || a.Active {
		rate := p.defaultRate
		switch {
		case hasAffiliation && a.Rate.IsPositive():
			rate = a.Rate
		case marker != nil && marker.Rate.IsPositive():
			rate = marker.Rate
		}
		var caps map[string]int64
		if hasAffiliation {
			caps = a.ProductCaps
		}
		if amount := CorporateAmount(b.Items, rate, caps); amount > 0 {
			fresh = &billing.DiscountEntry{
				Name:       CorporateDiscountName,
				Amount:     amount,
				Unit:       billing.UnitPercent,
				Rate:       rate,
				Provenance: billing.ProvenanceCorporateDiscount,
			}
		}
	}

	items := make([]billing.LineItem, 0, len(b.Items))
	for _, it := range b.Items {
		if it.Provenance != billing.ProvenanceCorporateDiscount {
			items = append(items, it)
		}
	}
	discounts := make([]billing.DiscountEntry, 0, len(b.Discounts)+1)
	for _, d := range b.Discounts {
		if d.Provenance != billing.ProvenanceCorporateDiscount {
			discounts = append(discounts, d)
		}
	}
	if fresh != nil {
		discounts = append(discounts, *fresh)
	}

	changed := len(items) != len(b.Items) || !sameDiscounts(discounts, b.Discounts)
	b.Items = items
	b.Discounts = discounts
	return changed
}

// CorporateAmount sums eligible tuition per product and applies rate and caps:
// Σ min(floor(sum×rate), cap[product]).
func CorporateAmount(items []billing.LineItem, rate decimal.Decimal, caps map[string]int64) int64 {
	sums := map[string]int64{}
	var order []string
	for _, it := range items {
		if it.ItemType != billing.ItemTuition || it.Subtotal <= 0 || it.Provenance == billing.ProvenanceCorporateDiscount {
			continue
		}
		if _, ok := sums[it.ProductCode]; !ok {
			order = append(order, it.ProductCode)
		}
		sums[it.ProductCode] += it.Subtotal
	}
	var total int64
	for _, code := range order {
		amount := decimal.NewFromInt(sums[code]).Mul(rate).Floor().IntPart()
		if limit, ok := caps[code]; ok && limit >= 0 && amount > limit {
			amount = limit
		}
		total += amount
	}
	return total
}

func sameDiscounts(a, b []billing.DiscountEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Amount != y.Amount || x.Unit != y.Unit || x.Provenance != y.Provenance ||
			x.Family != y.Family || !x.Rate.Equal(y.Rate) {
			return false
		}
	}
	return true
}
