package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manabi-erp/manabi/internal/shared"
)

// MemoryRepository is an in-process Repository used by tests and dry-run tooling.
// WithTx runs callbacks serially against a working copy and commits only on success.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]ConfirmedBilling
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[int64]ConfirmedBilling)}
}

// WithTx executes fn against a snapshot, discarding its writes on error.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := &memoryTx{nextID: m.nextID, rows: make(map[int64]ConfirmedBilling, len(m.rows))}
	for id, row := range m.rows {
		work.rows[id] = row.Clone()
	}
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.rows = work.rows
	m.nextID = work.nextID
	return nil
}

// Get returns a row by id.
func (m *MemoryRepository) Get(_ context.Context, tenantID, id int64) (ConfirmedBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.TenantID != tenantID {
		return ConfirmedBilling{}, ErrNotFound
	}
	return row.Clone(), nil
}

// FindByKey returns the live row for key.
func (m *MemoryRepository) FindByKey(_ context.Context, key Key) (ConfirmedBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return findLive(m.rows, key)
}

// ListByPeriod returns live rows for the month ordered by student then id.
func (m *MemoryRepository) ListByPeriod(_ context.Context, tenantID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterLive(m.rows, func(b ConfirmedBilling) bool {
		return b.TenantID == tenantID && b.BillingMonth() == month
	}), nil
}

// ListByGuardian returns the guardian's live rows ordered by student then id.
func (m *MemoryRepository) ListByGuardian(_ context.Context, tenantID, guardianID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterLive(m.rows, func(b ConfirmedBilling) bool {
		return b.TenantID == tenantID && b.GuardianID == guardianID && b.BillingMonth() == month
	}), nil
}

// All returns every row including soft-deleted ones, ordered by id.
func (m *MemoryRepository) All() []ConfirmedBilling {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConfirmedBilling, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put stores a row verbatim, assigning an id when zero. Tests use it to seed
// states the store would never produce, such as legacy discounts.
func (m *MemoryRepository) Put(b ConfirmedBilling) ConfirmedBilling {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		m.nextID++
		b.ID = m.nextID
	} else if b.ID > m.nextID {
		m.nextID = b.ID
	}
	m.rows[b.ID] = b.Clone()
	return b
}

type memoryTx struct {
	nextID int64
	rows   map[int64]ConfirmedBilling
}

func (t *memoryTx) GetForUpdate(_ context.Context, tenantID, id int64) (ConfirmedBilling, error) {
	row, ok := t.rows[id]
	if !ok || row.TenantID != tenantID {
		return ConfirmedBilling{}, ErrNotFound
	}
	return row.Clone(), nil
}

func (t *memoryTx) FindByKeyForUpdate(_ context.Context, key Key) (ConfirmedBilling, error) {
	return findLive(t.rows, key)
}

func (t *memoryTx) Insert(_ context.Context, b *ConfirmedBilling) error {
	if existing, err := findLive(t.rows, b.Key()); err == nil {
		return &DuplicateBillingError{Key: b.Key(), ExistingID: existing.ID}
	}
	t.nextID++
	b.ID = t.nextID
	t.rows[b.ID] = b.Clone()
	return nil
}

func (t *memoryTx) Save(_ context.Context, b ConfirmedBilling) error {
	row, ok := t.rows[b.ID]
	if !ok || row.TenantID != b.TenantID || row.Deleted() {
		return ErrNotFound
	}
	t.rows[b.ID] = b.Clone()
	return nil
}

func (t *memoryTx) SoftDelete(_ context.Context, tenantID, id int64, reason string, at time.Time) error {
	row, ok := t.rows[id]
	if !ok || row.TenantID != tenantID || row.Deleted() {
		return ErrNotFound
	}
	row.DeletedAt = &at
	row.DeleteReason = reason
	row.UpdatedAt = at
	t.rows[id] = row
	return nil
}

func findLive(rows map[int64]ConfirmedBilling, key Key) (ConfirmedBilling, error) {
	var found *ConfirmedBilling
	for _, row := range rows {
		if row.Deleted() || row.Key() != key {
			continue
		}
		if found == nil || row.ID < found.ID {
			r := row
			found = &r
		}
	}
	if found == nil {
		return ConfirmedBilling{}, ErrNotFound
	}
	return found.Clone(), nil
}

func filterLive(rows map[int64]ConfirmedBilling, keep func(ConfirmedBilling) bool) []ConfirmedBilling {
	var out []ConfirmedBilling
	for _, row := range rows {
		if row.Deleted() || !keep(row) {
			continue
		}
		out = append(out, row.Clone())
	}
	SortByStudent(out)
	return out
}

// SortByStudent orders snapshots by student id then id, the canonical order used to
// pick the lowest-sorted billing of a guardian or family.
func SortByStudent(rows []ConfirmedBilling) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StudentID != rows[j].StudentID {
			return rows[i].StudentID < rows[j].StudentID
		}
		return rows[i].ID < rows[j].ID
	})
}
