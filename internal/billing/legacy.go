package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manabi-erp/manabi/internal/shared"
)

var (
	corporateMarkers = []string{"社割", "法人", "corporate"}
	mileMarkers      = []string{"マイル", "mile"}
)

// ClassifyLegacyDiscount maps an untagged legacy discount name to a provenance tag.
// Name matching is only ever used here, during the one-time migration.
func ClassifyLegacyDiscount(name string) Provenance {
	lower := strings.ToLower(name)
	for _, m := range corporateMarkers {
		if strings.Contains(lower, m) {
			return ProvenanceCorporateDiscount
		}
	}
	for _, m := range mileMarkers {
		if strings.Contains(lower, m) {
			return ProvenanceFamilyMileDiscount
		}
	}
	return ProvenanceImportedLegacy
}

// classifyLegacy tags every untagged item and discount of b in place and reports whether
// anything changed.
func classifyLegacy(b *ConfirmedBilling) bool {
	changed := false
	for i := range b.Discounts {
		d := &b.Discounts[i]
		if d.Provenance != "" {
			continue
		}
		d.Provenance = ClassifyLegacyDiscount(d.Name)
		if d.Provenance == ProvenanceFamilyMileDiscount {
			d.Family = true
		}
		if d.Unit == "" {
			d.Unit = UnitYen
		}
		changed = true
	}
	for i := range b.Items {
		it := &b.Items[i]
		if it.Provenance != "" {
			continue
		}
		if it.Subtotal < 0 && ClassifyLegacyDiscount(it.Description) == ProvenanceCorporateDiscount {
			it.Provenance = ProvenanceCorporateDiscount
		} else {
			it.Provenance = ProvenanceImportedLegacy
		}
		changed = true
	}
	return changed
}

// MigrateLegacyProvenance tags untagged entries of every live snapshot in the month.
// Already tagged rows are left alone so the migration can be rerun safely.
func (s *Store) MigrateLegacyProvenance(ctx context.Context, tenantID int64, month shared.BillingMonth, dryRun bool) (*shared.RunSummary, error) {
	rows, err := s.repo.ListByPeriod(ctx, tenantID, month)
	if err != nil {
		return nil, fmt.Errorf("billing: list period: %w", err)
	}
	summary := shared.NewRunSummary(shared.DefaultMessageCap, dryRun)
	for _, row := range rows {
		key := fmt.Sprintf("billing=%d student=%d", row.ID, row.StudentID)
		probe := row.Clone()
		if !classifyLegacy(&probe) {
			summary.AddSkipped(key, "")
			continue
		}
		if dryRun {
			summary.AddUpdated()
			continue
		}
		if _, err := s.Mutate(ctx, tenantID, row.ID, func(b *ConfirmedBilling) error {
			classifyLegacy(b)
			return nil
		}); err != nil {
			s.logger.Error("legacy provenance migration failed",
				slog.Int64("billing_id", row.ID), slog.Any("error", err))
			summary.AddError(key, err)
			continue
		}
		summary.AddUpdated()
	}
	return summary, nil
}
