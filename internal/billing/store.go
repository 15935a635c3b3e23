package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Repository abstracts snapshot persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, tenantID, id int64) (ConfirmedBilling, error)
	FindByKey(ctx context.Context, key Key) (ConfirmedBilling, error)
	ListByPeriod(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]ConfirmedBilling, error)
	ListByGuardian(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) ([]ConfirmedBilling, error)
}

// TxRepository exposes the row-level operations available inside a transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, tenantID, id int64) (ConfirmedBilling, error)
	FindByKeyForUpdate(ctx context.Context, key Key) (ConfirmedBilling, error)
	// Insert stores a new live row and assigns its ID. A concurrent live row for the
	// same key surfaces as *DuplicateBillingError.
	Insert(ctx context.Context, b *ConfirmedBilling) error
	Save(ctx context.Context, b ConfirmedBilling) error
	SoftDelete(ctx context.Context, tenantID, id int64, reason string, at time.Time) error
}

// Store is the sole writer of ConfirmedBilling totals.
type Store struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewStore constructs the store.
func NewStore(repo Repository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, logger: logger.With(slog.String("component", "billing.store")), now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Store) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create persists a new snapshot. Without Overwrite an existing live snapshot for the key
// yields *DuplicateBillingError; with Overwrite the old row is soft-deleted in the same tx.
func (s *Store) Create(ctx context.Context, in CreateInput, opts CreateOptions) (ConfirmedBilling, error) {
	if in.TenantID <= 0 || in.StudentID <= 0 || in.GuardianID <= 0 {
		return ConfirmedBilling{}, fmt.Errorf("%w: tenant, student and guardian required", ErrInvalidInput)
	}
	if _, err := shared.NewBillingMonth(in.Month.Year, in.Month.Month); err != nil {
		return ConfirmedBilling{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := ValidateInput(in.Items, in.Discounts); err != nil {
		return ConfirmedBilling{}, err
	}
	key := Key{TenantID: in.TenantID, StudentID: in.StudentID, Month: in.Month}
	now := s.now()
	b := ConfirmedBilling{
		TenantID:         in.TenantID,
		StudentID:        in.StudentID,
		GuardianID:       in.GuardianID,
		Year:             in.Month.Year,
		Month:            in.Month.Month,
		Items:            append([]LineItem(nil), in.Items...),
		Discounts:        append([]DiscountEntry(nil), in.Discounts...),
		AdjustmentAmount: in.AdjustmentAmount,
		CarryOverAmount:  in.CarryOverAmount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	clamped := b.recompute()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindByKeyForUpdate(ctx, key)
		switch {
		case err == nil:
			if !opts.Overwrite {
				return &DuplicateBillingError{Key: key, ExistingID: existing.ID}
			}
			reason := opts.Reason
			if reason == "" {
				reason = "overwritten by correction rerun"
			}
			if err := tx.SoftDelete(ctx, key.TenantID, existing.ID, reason, now); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
		return tx.Insert(ctx, &b)
	})
	if err != nil {
		return ConfirmedBilling{}, err
	}
	if clamped {
		s.warnClamped(b)
	}
	return b, nil
}

// Update replaces the supplied parts and fully recomputes totals in one transaction.
func (s *Store) Update(ctx context.Context, tenantID, id int64, in UpdateInput) (ConfirmedBilling, error) {
	if in.Items != nil || in.Discounts != nil {
		var items []LineItem
		var discounts []DiscountEntry
		if in.Items != nil {
			items = *in.Items
		}
		if in.Discounts != nil {
			discounts = *in.Discounts
		}
		if err := ValidateInput(items, discounts); err != nil {
			return ConfirmedBilling{}, err
		}
	}
	return s.Mutate(ctx, tenantID, id, func(b *ConfirmedBilling) error {
		if in.GuardianID != nil {
			b.GuardianID = *in.GuardianID
		}
		if in.Items != nil {
			b.Items = append([]LineItem(nil), (*in.Items)...)
		}
		if in.Discounts != nil {
			b.Discounts = append([]DiscountEntry(nil), (*in.Discounts)...)
		}
		if in.Adjustment != nil {
			b.AdjustmentAmount = *in.Adjustment
		}
		if in.CarryOverAmount != nil {
			b.CarryOverAmount = *in.CarryOverAmount
		}
		return nil
	})
}

// Mutate loads the live snapshot for update, applies fn and persists it after a full
// recompute. fn must only touch items, discounts and adjustment inputs.
func (s *Store) Mutate(ctx context.Context, tenantID, id int64, fn func(*ConfirmedBilling) error) (ConfirmedBilling, error) {
	var out ConfirmedBilling
	var clamped bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return ErrNotFound
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		// identity never changes through a mutation
		next.ID, next.TenantID, next.StudentID = current.ID, current.TenantID, current.StudentID
		next.Year, next.Month, next.PaidAmount = current.Year, current.Month, current.PaidAmount
		clamped = next.recompute()
		next.UpdatedAt = s.now()
		if err := tx.Save(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return ConfirmedBilling{}, err
	}
	if clamped {
		s.warnClamped(out)
	}
	return out, nil
}

// SoftDelete marks the snapshot deleted; only correction reruns call this.
func (s *Store) SoftDelete(ctx context.Context, tenantID, id int64, reason string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if current.Deleted() {
			return nil
		}
		return tx.SoftDelete(ctx, tenantID, id, reason, s.now())
	})
}

// Get returns a snapshot by id.
func (s *Store) Get(ctx context.Context, tenantID, id int64) (ConfirmedBilling, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// FindByKey returns the live snapshot for key or ErrNotFound.
func (s *Store) FindByKey(ctx context.Context, key Key) (ConfirmedBilling, error) {
	return s.repo.FindByKey(ctx, key)
}

// ListByPeriod returns live snapshots for a tenant month ordered by student then id.
func (s *Store) ListByPeriod(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	return s.repo.ListByPeriod(ctx, tenantID, month)
}

// ListByGuardian returns the guardian's live snapshots for a month ordered by student then id.
func (s *Store) ListByGuardian(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	return s.repo.ListByGuardian(ctx, tenantID, guardianID, month)
}

func (s *Store) warnClamped(b ConfirmedBilling) {
	s.logger.Warn("total clamped to zero",
		slog.Int64("billing_id", b.ID),
		slog.Int64("tenant_id", b.TenantID),
		slog.Int64("student_id", b.StudentID),
		slog.Int64("subtotal", b.Subtotal),
		slog.Int64("discount_total", b.DiscountTotal),
		slog.Int64("raw_total", b.rawTotal()),
	)
}

// ValidateInput checks line items and discounts the way Create and Update do before persisting.
func ValidateInput(items []LineItem, discounts []DiscountEntry) error {
	for i, item := range items {
		if item.ProductCode == "" {
			return fmt.Errorf("%w: item %d has no product code", ErrInvalidInput, i)
		}
		if item.Provenance != "" && !item.Provenance.Valid() {
			return fmt.Errorf("%w: item %d has unknown provenance %q", ErrInvalidInput, i, item.Provenance)
		}
	}
	for i, d := range discounts {
		if d.Provenance != "" && !d.Provenance.Valid() {
			return fmt.Errorf("%w: discount %d has unknown provenance %q", ErrInvalidInput, i, d.Provenance)
		}
		if d.Unit != "" && d.Unit != UnitYen && d.Unit != UnitPercent {
			return fmt.Errorf("%w: discount %d has unknown unit %q", ErrInvalidInput, i, d.Unit)
		}
	}
	return nil
}
