// Package billing owns the per-student monthly ConfirmedBilling snapshot and the
// invariants that tie its totals to its embedded line items and discounts.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Status enumerates ConfirmedBilling payment states.
type Status string

const (
	StatusConfirmed     Status = "CONFIRMED"
	StatusPartiallyPaid Status = "PARTIALLY_PAID"
	StatusPaid          Status = "PAID"
)

// ItemType classifies a line item.
type ItemType string

const (
	ItemTuition       ItemType = "tuition"
	ItemEnrollment    ItemType = "enrollment"
	ItemMaterial      ItemType = "material"
	ItemFacility      ItemType = "facility"
	ItemCertification ItemType = "certification"
	ItemSeminar       ItemType = "seminar"
	ItemOther         ItemType = "other"
)

// Provenance is the stable discriminant telling where a line or discount came from.
type Provenance string

const (
	ProvenanceGenerated          Provenance = "generated"
	ProvenanceManualAdjustment   Provenance = "manual_adjustment"
	ProvenanceCorporateDiscount  Provenance = "corporate_discount"
	ProvenanceFamilyMileDiscount Provenance = "family_mile_discount"
	ProvenanceImportedLegacy     Provenance = "imported_legacy"
)

// Valid reports whether p is a known provenance tag.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceGenerated, ProvenanceManualAdjustment, ProvenanceCorporateDiscount,
		ProvenanceFamilyMileDiscount, ProvenanceImportedLegacy:
		return true
	}
	return false
}

// DiscountUnit describes how a discount was expressed.
type DiscountUnit string

const (
	UnitYen     DiscountUnit = "yen"
	UnitPercent DiscountUnit = "percent"
)

// LineItem is a charge embedded in a ConfirmedBilling. It has no identity of its own.
type LineItem struct {
	ProductCode    string           `json:"product_code"`
	ItemType       ItemType         `json:"item_type"`
	Description    string           `json:"description,omitempty"`
	UnitPrice      int64            `json:"unit_price"`
	Quantity       int64            `json:"quantity"`
	Subtotal       int64            `json:"subtotal"`
	TaxAmount      int64            `json:"tax_amount,omitempty"`
	Provenance     Provenance       `json:"provenance"`
	ProrationRatio *decimal.Decimal `json:"proration_ratio,omitempty"`
}

// DiscountEntry is a discount embedded in a ConfirmedBilling. Amount is the resolved yen
// value; Rate is kept for percent discounts so the snapshot stays self-describing.
type DiscountEntry struct {
	Name       string          `json:"name"`
	Amount     int64           `json:"amount"`
	Unit       DiscountUnit    `json:"unit"`
	Rate       decimal.Decimal `json:"rate,omitempty"`
	Provenance Provenance      `json:"provenance"`
	Family     bool            `json:"family,omitempty"`
}

// Key identifies the single live snapshot of one student for one month.
type Key struct {
	TenantID  int64
	StudentID int64
	Month     shared.BillingMonth
}

// ConfirmedBilling is the immutable-per-month financial snapshot of one student.
type ConfirmedBilling struct {
	ID               int64
	TenantID         int64
	StudentID        int64
	GuardianID       int64
	Year             int
	Month            int
	Subtotal         int64
	DiscountTotal    int64
	TaxAmount        int64
	AdjustmentAmount int64
	CarryOverAmount  int64
	TotalAmount      int64
	PaidAmount       int64
	Balance          int64
	Items            []LineItem
	Discounts        []DiscountEntry
	Status           Status
	// Clamped is set when discounts pushed the computed total below zero.
	Clamped      bool
	DeletedAt    *time.Time
	DeleteReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the uniqueness key of the snapshot.
func (b ConfirmedBilling) Key() Key {
	return Key{TenantID: b.TenantID, StudentID: b.StudentID, Month: shared.BillingMonth{Year: b.Year, Month: b.Month}}
}

// BillingMonth returns the month the snapshot belongs to.
func (b ConfirmedBilling) BillingMonth() shared.BillingMonth {
	return shared.BillingMonth{Year: b.Year, Month: b.Month}
}

// Deleted reports whether the snapshot has been soft-deleted.
func (b ConfirmedBilling) Deleted() bool {
	return b.DeletedAt != nil
}

// Clone returns a deep copy so callers never share the embedded slices.
func (b ConfirmedBilling) Clone() ConfirmedBilling {
	out := b
	if b.Items != nil {
		out.Items = append([]LineItem(nil), b.Items...)
	}
	if b.Discounts != nil {
		out.Discounts = append([]DiscountEntry(nil), b.Discounts...)
	}
	if b.DeletedAt != nil {
		at := *b.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// CreateInput carries the data for a new snapshot.
type CreateInput struct {
	TenantID         int64
	StudentID        int64
	GuardianID       int64
	Month            shared.BillingMonth
	Items            []LineItem
	Discounts        []DiscountEntry
	AdjustmentAmount int64
	CarryOverAmount  int64
}

// CreateOptions controls duplicate handling on Create.
type CreateOptions struct {
	// Overwrite soft-deletes an existing live snapshot for the key instead of failing.
	Overwrite bool
	// Reason is recorded on the replaced row when Overwrite applies.
	Reason string
}

// UpdateInput replaces the given parts of a snapshot; nil fields keep their value.
type UpdateInput struct {
	GuardianID      *int64
	Items           *[]LineItem
	Discounts       *[]DiscountEntry
	Adjustment      *int64
	CarryOverAmount *int64
}
