package billing

import "fmt"

// recompute derives every total from the current item and discount sequences. It is
// the only place totals are written and always recomputes all of them together.
// It reports whether the total had to be floored at zero.
func (b *ConfirmedBilling) recompute() bool {
	var subtotal, tax, discounts int64
	for _, item := range b.Items {
		subtotal += item.Subtotal
		tax += item.TaxAmount
	}
	for _, d := range b.Discounts {
		discounts += d.Amount
	}
	b.Subtotal = subtotal
	b.TaxAmount = tax
	b.DiscountTotal = discounts

	total := b.rawTotal()
	b.Clamped = total < 0
	if b.Clamped {
		// TODO: confirm with product whether over-discounting should floor at zero or fail.
		total = 0
	}
	b.TotalAmount = total
	b.Balance = b.TotalAmount - b.PaidAmount

	switch {
	case b.PaidAmount > 0 && b.Balance <= 0:
		b.Status = StatusPaid
	case b.PaidAmount > 0:
		b.Status = StatusPartiallyPaid
	default:
		b.Status = StatusConfirmed
	}
	return b.Clamped
}

func (b ConfirmedBilling) rawTotal() int64 {
	return b.Subtotal - b.DiscountTotal + b.TaxAmount + b.AdjustmentAmount + b.CarryOverAmount
}

// Recomputed returns a copy of b with totals derived from its sequences. Dry runs use it
// to preview what the store would persist.
func Recomputed(b ConfirmedBilling) ConfirmedBilling {
	out := b.Clone()
	out.recompute()
	return out
}

// CheckInvariant verifies the stored totals against the embedded sequences.
func (b ConfirmedBilling) CheckInvariant() error {
	want := Recomputed(b)
	if b.Subtotal != want.Subtotal || b.DiscountTotal != want.DiscountTotal || b.TaxAmount != want.TaxAmount {
		return fmt.Errorf("billing %d: component totals drifted from items/discounts", b.ID)
	}
	expected := b.rawTotal()
	if expected < 0 {
		expected = 0
	}
	if b.TotalAmount != expected {
		return fmt.Errorf("billing %d: total_amount %d != %d", b.ID, b.TotalAmount, expected)
	}
	if b.Balance != b.TotalAmount-b.PaidAmount {
		return fmt.Errorf("billing %d: balance %d != total %d - paid %d", b.ID, b.Balance, b.TotalAmount, b.PaidAmount)
	}
	return nil
}
