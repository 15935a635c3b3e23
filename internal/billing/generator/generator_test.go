package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/shared"
)

var jan = shared.BillingMonth{Year: 2026, Month: 1}

type fakeDirectory struct {
	students []Student
	tenants  map[int64]bool
}

func (f *fakeDirectory) ListBillableStudents(context.Context, int64, time.Time, time.Time) ([]Student, error) {
	return f.students, nil
}

func (f *fakeDirectory) TenantExists(_ context.Context, id int64) (bool, error) {
	return f.tenants[id], nil
}

type itemMap map[int64][]SourceItem

func (m itemMap) RecurringItems(_ context.Context, _ int64, studentID int64, _ shared.BillingMonth) ([]SourceItem, error) {
	return m[studentID], nil
}

type contractMap map[int64][]SourceItem

func (m contractMap) ContractItems(_ context.Context, _ int64, studentID int64, _ shared.BillingMonth) ([]SourceItem, error) {
	return m[studentID], nil
}

type adhocMap map[int64][]SourceItem

func (m adhocMap) AdhocItems(_ context.Context, _ int64, studentID int64, _ string) ([]SourceItem, error) {
	return m[studentID], nil
}

type failingRecurring struct{ failFor int64 }

func (f failingRecurring) RecurringItems(_ context.Context, _ int64, studentID int64, _ shared.BillingMonth) ([]SourceItem, error) {
	if studentID == f.failFor {
		return nil, errors.New("source unavailable")
	}
	return []SourceItem{{ProductCode: "T-1", ItemType: billing.ItemTuition, UnitPrice: 8000}}, nil
}

type countingProgress struct{ calls [][2]int }

func (p *countingProgress) Report(_ context.Context, done, total int) error {
	p.calls = append(p.calls, [2]int{done, total})
	return nil
}

type cancelAfter struct {
	progress *countingProgress
	after    int
}

func (c *cancelAfter) Canceled(context.Context) (bool, error) {
	return len(c.progress.calls) >= c.after, nil
}

func newHarness(t *testing.T, students []Student, recurring itemMap) (*Generator, *billing.Store, *billing.MemoryRepository) {
	t.Helper()
	repo := billing.NewMemoryRepository()
	store := billing.NewStore(repo, nil)
	dir := &fakeDirectory{students: students, tenants: map[int64]bool{1: true}}
	gen := New(store, Sources{Tenants: dir, Students: dir, Recurring: recurring})
	return gen, store, repo
}

func TestRunCreatesSnapshots(t *testing.T) {
	students := []Student{{ID: 1, GuardianID: 100, Status: StudentActive}, {ID: 2, GuardianID: 100, Status: StudentActive}}
	recurring := itemMap{
		1: {{ProductCode: "T-1", ItemType: billing.ItemTuition, UnitPrice: 20000, Quantity: 1}},
		2: {{ProductCode: "T-2", ItemType: billing.ItemTuition, UnitPrice: 15000, TaxAmount: 1500}},
	}
	gen, store, repo := newHarness(t, students, recurring)

	summary, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Created)
	require.Zero(t, summary.Errors)

	b, err := store.FindByKey(context.Background(), billing.Key{TenantID: 1, StudentID: 2, Month: jan})
	require.NoError(t, err)
	require.Equal(t, int64(16500), b.TotalAmount)
	require.Equal(t, billing.ProvenanceGenerated, b.Items[0].Provenance)
	for _, row := range repo.All() {
		require.NoError(t, row.CheckInvariant())
	}
}

func TestRunProratesMidMonthEnrollment(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	recurring := itemMap{1: {{
		ProductCode: "T-THU", ItemType: billing.ItemTuition, UnitPrice: 10000, Quantity: 1,
		EnrollmentStart: &start, Weekdays: []time.Weekday{time.Thursday},
	}}}
	gen, store, _ := newHarness(t, []Student{{ID: 1, GuardianID: 100}}, recurring)

	_, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	b, err := store.FindByKey(context.Background(), billing.Key{TenantID: 1, StudentID: 1, Month: jan})
	require.NoError(t, err)
	require.Equal(t, int64(6000), b.Items[0].Subtotal)
	require.NotNil(t, b.Items[0].ProrationRatio)
	require.True(t, b.Items[0].ProrationRatio.Equal(decimal.RequireFromString("0.6")))
}

func TestRunSkipsIneligibleStudentsWithoutAborting(t *testing.T) {
	students := []Student{
		{ID: 1, GuardianID: 100, Status: StudentSuspended},
		{ID: 2, GuardianID: 0, Status: StudentActive},
		{ID: 3, GuardianID: 300, Status: StudentActive},
		{ID: 4, GuardianID: 400, Status: StudentWithdrawn},
		{ID: 5, GuardianID: 500, Status: StudentActive},
	}
	repo := billing.NewMemoryRepository()
	store := billing.NewStore(repo, nil)
	dir := &fakeDirectory{students: students, tenants: map[int64]bool{1: true}}
	gen := New(store, Sources{Tenants: dir, Students: dir, Recurring: failingRecurring{failFor: 3}})

	summary, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)
	require.Equal(t, 2, summary.Skipped)
	require.Equal(t, 2, summary.Errors)
	require.Contains(t, summary.Messages, "error student=2: generator: student 2 has no guardian")
	require.Len(t, repo.All(), 1)
}

func TestRunFallsBackToContracts(t *testing.T) {
	repo := billing.NewMemoryRepository()
	store := billing.NewStore(repo, nil)
	dir := &fakeDirectory{students: []Student{{ID: 1, GuardianID: 100}}, tenants: map[int64]bool{1: true}}
	gen := New(store, Sources{
		Tenants:   dir,
		Students:  dir,
		Recurring: itemMap{1: {{ProductCode: "T-0", UnitPrice: 0}}},
		Contracts: contractMap{1: {{ProductCode: "C-1", ItemType: billing.ItemTuition, UnitPrice: 12000}}},
		Adhoc: adhocMap{1: {
			{ProductCode: "CERT", ItemType: billing.ItemCertification, UnitPrice: 3000, BillingMonthKey: "202601"},
			{ProductCode: "SEM", ItemType: billing.ItemSeminar, UnitPrice: 5000, BillingMonthKey: "202602"},
		}},
	})

	_, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	b, err := store.FindByKey(context.Background(), billing.Key{TenantID: 1, StudentID: 1, Month: jan})
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	require.Equal(t, "C-1", b.Items[0].ProductCode)
	require.Equal(t, "CERT", b.Items[1].ProductCode)
	require.Equal(t, int64(15000), b.TotalAmount)
}

func TestRunModes(t *testing.T) {
	students := []Student{{ID: 1, GuardianID: 100}}
	recurring := itemMap{1: {{ProductCode: "T-1", ItemType: billing.ItemTuition, UnitPrice: 10000}}}
	gen, store, repo := newHarness(t, students, recurring)
	ctx := context.Background()

	_, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)

	summary, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Created)

	recurring[1][0].UnitPrice = 11000
	summary, err = gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1, Mode: ModeUpdate})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)
	require.Len(t, repo.All(), 1)
	b, err := store.FindByKey(ctx, billing.Key{TenantID: 1, StudentID: 1, Month: jan})
	require.NoError(t, err)
	require.Equal(t, int64(11000), b.TotalAmount)

	summary, err = gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1, Mode: ModeOverwrite})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Updated)
	rows := repo.All()
	require.Len(t, rows, 2)
	require.True(t, rows[0].Deleted())
	require.False(t, rows[1].Deleted())
}

func TestRunDeletesEmptySnapshotOnUpdate(t *testing.T) {
	students := []Student{{ID: 1, GuardianID: 100}}
	recurring := itemMap{1: {{ProductCode: "T-1", ItemType: billing.ItemTuition, UnitPrice: 10000}}}
	gen, store, _ := newHarness(t, students, recurring)
	ctx := context.Background()
	_, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)

	delete(recurring, 1)
	summary, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1, Mode: ModeUpdate})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Deleted)
	_, err = store.FindByKey(ctx, billing.Key{TenantID: 1, StudentID: 1, Month: jan})
	require.ErrorIs(t, err, billing.ErrNotFound)
}

func TestRunDryRunMatchesRealCounts(t *testing.T) {
	students := []Student{
		{ID: 1, GuardianID: 100},
		{ID: 2, GuardianID: 0},
		{ID: 3, GuardianID: 300, Status: StudentSuspended},
		{ID: 4, GuardianID: 400},
	}
	recurring := itemMap{
		1: {{ProductCode: "T-1", UnitPrice: 10000}},
		2: {{ProductCode: "T-1", UnitPrice: 10000}},
		4: {{ProductCode: "", UnitPrice: 5000}},
	}
	gen, _, repo := newHarness(t, students, recurring)
	ctx := context.Background()

	dry, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1, DryRun: true})
	require.NoError(t, err)
	require.Empty(t, repo.All())
	require.Equal(t, 1, dry.Created)
	require.Equal(t, 2, dry.Errors)

	applied, err := gen.Run(ctx, Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	require.Equal(t, applied.Created, dry.Created)
	require.Equal(t, applied.Skipped, dry.Skipped)
	require.Equal(t, applied.Errors, dry.Errors)
	require.True(t, dry.DryRun)
}

type windowDirectory struct {
	fakeDirectory
	from, to time.Time
}

func (w *windowDirectory) ListBillableStudents(_ context.Context, _ int64, from, to time.Time) ([]Student, error) {
	w.from, w.to = from, to
	return w.students, nil
}

func TestRunResolvesMonthInConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	dir := &windowDirectory{fakeDirectory: fakeDirectory{tenants: map[int64]bool{1: true}}}
	store := billing.NewStore(billing.NewMemoryRepository(), nil)
	gen := New(store, Sources{Tenants: dir, Students: dir, Recurring: itemMap{}}, WithLocation(tokyo))

	_, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 2})
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, tokyo), dir.from)
	require.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, tokyo), dir.to)
	require.Same(t, tokyo, dir.from.Location())
}

func TestRunCancelKeepsWrittenRows(t *testing.T) {
	students := []Student{{ID: 1, GuardianID: 100}, {ID: 2, GuardianID: 200}, {ID: 3, GuardianID: 300}}
	recurring := itemMap{
		1: {{ProductCode: "T-1", UnitPrice: 1000}},
		2: {{ProductCode: "T-1", UnitPrice: 1000}},
		3: {{ProductCode: "T-1", UnitPrice: 1000}},
	}
	gen, _, repo := newHarness(t, students, recurring)
	progress := &countingProgress{}

	summary, err := gen.Run(context.Background(), Request{
		TenantID: 1, Year: 2026, Month: 1,
		Progress: progress,
		Cancel:   &cancelAfter{progress: progress, after: 2},
	})
	require.NoError(t, err)
	require.True(t, summary.Canceled)
	require.Equal(t, 2, summary.Created)
	require.Len(t, repo.All(), 2)
	require.Equal(t, [][2]int{{1, 3}, {2, 3}}, progress.calls)
}

func TestRunFatalErrors(t *testing.T) {
	gen, _, repo := newHarness(t, []Student{{ID: 1, GuardianID: 100}}, itemMap{})
	_, err := gen.Run(context.Background(), Request{TenantID: 0, Year: 2026, Month: 1})
	require.ErrorIs(t, err, ErrNoTenant)
	require.ErrorIs(t, err, shared.ErrFatal)

	_, err = gen.Run(context.Background(), Request{TenantID: 9, Year: 2026, Month: 1})
	require.ErrorIs(t, err, ErrNoTenant)

	_, err = gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 13})
	require.ErrorIs(t, err, shared.ErrInvalidMonth)
	require.Empty(t, repo.All())
}

type feed []billing.Adjustment

func (f feed) ListAdjustments(context.Context, int64, shared.BillingMonth) ([]billing.Adjustment, error) {
	return f, nil
}

func TestRunMergesGuardianAdjustments(t *testing.T) {
	students := []Student{{ID: 2, GuardianID: 100}, {ID: 1, GuardianID: 100}}
	recurring := itemMap{1: {{ProductCode: "T-1", UnitPrice: 5000}}, 2: {{ProductCode: "T-1", UnitPrice: 5000}}}
	repo := billing.NewMemoryRepository()
	store := billing.NewStore(repo, nil)
	dir := &fakeDirectory{students: students, tenants: map[int64]bool{1: true}}
	merger := billing.NewAdjustmentMerger(store, feed{{GuardianID: 100, Amount: -500, Note: "refund"}}, nil)
	gen := New(store, Sources{Tenants: dir, Students: dir, Recurring: recurring}, WithAdjustmentMerger(merger))

	_, err := gen.Run(context.Background(), Request{TenantID: 1, Year: 2026, Month: 1})
	require.NoError(t, err)
	rows, err := store.ListByGuardian(context.Background(), 1, 100, jan)
	require.NoError(t, err)
	require.Equal(t, int64(-500), rows[0].AdjustmentAmount)
	require.Equal(t, int64(4500), rows[0].TotalAmount)
	require.Zero(t, rows[1].AdjustmentAmount)
}
