package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/shared"
)

var testMonth = shared.BillingMonth{Year: 2026, Month: 1}

func newTestStore(t *testing.T) (*Store, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	store := NewStore(repo, nil)
	fixed := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	store.WithNow(func() time.Time { return fixed })
	return store, repo
}

func tuition(code string, amount int64) LineItem {
	return LineItem{ProductCode: code, ItemType: ItemTuition, UnitPrice: amount, Quantity: 1, Subtotal: amount, Provenance: ProvenanceGenerated}
}

func requireInvariant(t *testing.T, repo *MemoryRepository) {
	t.Helper()
	for _, row := range repo.All() {
		require.NoError(t, row.CheckInvariant())
	}
}

func TestStoreCreateComputesTotals(t *testing.T) {
	store, repo := newTestStore(t)
	b, err := store.Create(context.Background(), CreateInput{
		TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth,
		Items: []LineItem{
			tuition("T-1", 20000),
			{ProductCode: "M-1", ItemType: ItemMaterial, UnitPrice: 1500, Quantity: 2, Subtotal: 3000, TaxAmount: 300, Provenance: ProvenanceGenerated},
		},
		Discounts:        []DiscountEntry{{Name: "manual", Amount: 1000, Unit: UnitYen, Provenance: ProvenanceManualAdjustment}},
		AdjustmentAmount: -200,
		CarryOverAmount:  500,
	}, CreateOptions{})
	require.NoError(t, err)
	require.NotZero(t, b.ID)
	require.Equal(t, int64(23000), b.Subtotal)
	require.Equal(t, int64(1000), b.DiscountTotal)
	require.Equal(t, int64(300), b.TaxAmount)
	require.Equal(t, int64(23000-1000+300-200+500), b.TotalAmount)
	require.Equal(t, b.TotalAmount, b.Balance)
	require.Equal(t, StatusConfirmed, b.Status)
	require.False(t, b.Clamped)
	requireInvariant(t, repo)
}

func TestStoreCreateDuplicate(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	in := CreateInput{TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth, Items: []LineItem{tuition("T-1", 10000)}}
	first, err := store.Create(ctx, in, CreateOptions{})
	require.NoError(t, err)

	_, err = store.Create(ctx, in, CreateOptions{})
	require.Error(t, err)
	require.True(t, IsDuplicate(err))
	require.True(t, errors.Is(err, shared.ErrDuplicate))
	var dup *DuplicateBillingError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.ID, dup.ExistingID)
	require.Len(t, repo.All(), 1)
}

func TestStoreCreateOverwriteSoftDeletesPrevious(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	in := CreateInput{TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth, Items: []LineItem{tuition("T-1", 10000)}}
	first, err := store.Create(ctx, in, CreateOptions{})
	require.NoError(t, err)

	in.Items = []LineItem{tuition("T-1", 12000)}
	second, err := store.Create(ctx, in, CreateOptions{Overwrite: true, Reason: "correction"})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	rows := repo.All()
	require.Len(t, rows, 2)
	require.True(t, rows[0].Deleted())
	require.Equal(t, "correction", rows[0].DeleteReason)
	require.False(t, rows[1].Deleted())

	live, err := store.FindByKey(ctx, second.Key())
	require.NoError(t, err)
	require.Equal(t, int64(12000), live.TotalAmount)
	requireInvariant(t, repo)
}

func TestStoreUpdateFullyRecomputes(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	b, err := store.Create(ctx, CreateInput{TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth, Items: []LineItem{tuition("T-1", 10000)}}, CreateOptions{})
	require.NoError(t, err)

	discounts := []DiscountEntry{{Name: "sibling", Amount: 2500, Unit: UnitYen, Provenance: ProvenanceManualAdjustment}}
	adj := int64(700)
	updated, err := store.Update(ctx, 1, b.ID, UpdateInput{Discounts: &discounts, Adjustment: &adj})
	require.NoError(t, err)
	require.Equal(t, int64(10000), updated.Subtotal)
	require.Equal(t, int64(2500), updated.DiscountTotal)
	require.Equal(t, int64(10000-2500+700), updated.TotalAmount)
	requireInvariant(t, repo)

	items := []LineItem{tuition("T-1", 10000), tuition("T-2", 5000)}
	updated, err = store.Update(ctx, 1, b.ID, UpdateInput{Items: &items})
	require.NoError(t, err)
	require.Equal(t, int64(15000), updated.Subtotal)
	require.Equal(t, int64(2500), updated.DiscountTotal, "discounts kept when not supplied")
	require.Equal(t, int64(15000-2500+700), updated.TotalAmount)
	requireInvariant(t, repo)
}

func TestStoreClampsNegativeTotal(t *testing.T) {
	store, repo := newTestStore(t)
	b, err := store.Create(context.Background(), CreateInput{
		TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth,
		Items:     []LineItem{tuition("T-1", 1000)},
		Discounts: []DiscountEntry{{Name: "oops", Amount: 5000, Unit: UnitYen, Provenance: ProvenanceManualAdjustment}},
	}, CreateOptions{})
	require.NoError(t, err)
	require.Zero(t, b.TotalAmount)
	require.Zero(t, b.Balance)
	require.True(t, b.Clamped)
	requireInvariant(t, repo)
}

func TestStoreStatusFollowsPaidAmount(t *testing.T) {
	store, repo := newTestStore(t)
	seeded := repo.Put(ConfirmedBilling{
		TenantID: 1, StudentID: 10, GuardianID: 100, Year: 2026, Month: 1,
		Items: []LineItem{tuition("T-1", 10000)}, PaidAmount: 4000,
	})
	b, err := store.Mutate(context.Background(), 1, seeded.ID, func(*ConfirmedBilling) error { return nil })
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, b.Status)
	require.Equal(t, int64(6000), b.Balance)

	items := []LineItem{tuition("T-1", 4000)}
	b, err = store.Update(context.Background(), 1, seeded.ID, UpdateInput{Items: &items})
	require.NoError(t, err)
	require.Equal(t, StatusPaid, b.Status)
	require.Zero(t, b.Balance)
}

func TestStoreMutateRollsBackOnError(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()
	b, err := store.Create(ctx, CreateInput{TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth, Items: []LineItem{tuition("T-1", 10000)}}, CreateOptions{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Mutate(ctx, 1, b.ID, func(cb *ConfirmedBilling) error {
		cb.Items = nil
		return boom
	})
	require.ErrorIs(t, err, boom)

	current, err := store.Get(ctx, 1, b.ID)
	require.NoError(t, err)
	require.Len(t, current.Items, 1)
	requireInvariant(t, repo)
}

func TestStoreMutateDeletedRow(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	b, err := store.Create(ctx, CreateInput{TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth, Items: []LineItem{tuition("T-1", 10000)}}, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, store.SoftDelete(ctx, 1, b.ID, "empty"))

	_, err = store.Mutate(ctx, 1, b.ID, func(*ConfirmedBilling) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.FindByKey(ctx, b.Key())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateValidation(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Create(context.Background(), CreateInput{TenantID: 1, StudentID: 10, Month: testMonth}, CreateOptions{})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = store.Create(context.Background(), CreateInput{
		TenantID: 1, StudentID: 10, GuardianID: 100, Month: testMonth,
		Items: []LineItem{{ProductCode: "X", Provenance: "bogus"}},
	}, CreateOptions{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestListByGuardianSortsByStudent(t *testing.T) {
	store, repo := newTestStore(t)
	repo.Put(ConfirmedBilling{TenantID: 1, StudentID: 30, GuardianID: 100, Year: 2026, Month: 1})
	repo.Put(ConfirmedBilling{TenantID: 1, StudentID: 20, GuardianID: 100, Year: 2026, Month: 1})
	repo.Put(ConfirmedBilling{TenantID: 1, StudentID: 25, GuardianID: 200, Year: 2026, Month: 1})

	rows, err := store.ListByGuardian(context.Background(), 1, 100, testMonth)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(20), rows[0].StudentID)
	require.Equal(t, int64(30), rows[1].StudentID)
}
