package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/manabi-erp/manabi/internal/shared"
)

// MemoryRepository is an in-process Repository for tests and local tooling. WithTx
// commits a working copy only when the callback succeeds.
type MemoryRepository struct {
	mu   sync.Mutex
	data memoryData
}

type memoryData struct {
	seq       int64
	providers map[int64]Provider
	periods   map[int64]BillingPeriod
	invoices  map[int64]Invoice
	batches   map[int64]Batch
	lines     map[int64]Line
	payments  map[int64]Payment
	results   map[int64]DirectDebitResult
	keys      map[string]struct{}
	audit     []shared.AuditLog
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: memoryData{
		providers: map[int64]Provider{},
		periods:   map[int64]BillingPeriod{},
		invoices:  map[int64]Invoice{},
		batches:   map[int64]Batch{},
		lines:     map[int64]Line{},
		payments:  map[int64]Payment{},
		results:   map[int64]DirectDebitResult{},
		keys:      map[string]struct{}{},
	}}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		seq:       d.seq,
		providers: make(map[int64]Provider, len(d.providers)),
		periods:   make(map[int64]BillingPeriod, len(d.periods)),
		invoices:  make(map[int64]Invoice, len(d.invoices)),
		batches:   make(map[int64]Batch, len(d.batches)),
		lines:     make(map[int64]Line, len(d.lines)),
		payments:  make(map[int64]Payment, len(d.payments)),
		results:   make(map[int64]DirectDebitResult, len(d.results)),
		keys:      make(map[string]struct{}, len(d.keys)),
		audit:     append([]shared.AuditLog(nil), d.audit...),
	}
	for k, v := range d.providers {
		out.providers[k] = v
	}
	for k, v := range d.periods {
		out.periods[k] = v
	}
	for k, v := range d.invoices {
		out.invoices[k] = v
	}
	for k, v := range d.batches {
		out.batches[k] = v
	}
	for k, v := range d.lines {
		out.lines[k] = v
	}
	for k, v := range d.payments {
		out.payments[k] = v
	}
	for k, v := range d.results {
		out.results[k] = v
	}
	for k := range d.keys {
		out.keys[k] = struct{}{}
	}
	return out
}

func (d *memoryData) next() int64 {
	d.seq++
	return d.seq
}

// WithTx runs fn against a working copy.
func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.data.clone()
	if err := fn(ctx, &memoryTx{d: &work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// AddInvoice seeds an invoice and returns it with its ID.
func (m *MemoryRepository) AddInvoice(inv Invoice) Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = m.data.next()
	if inv.Balance == 0 && inv.PaidAmount == 0 {
		inv.Balance = inv.TotalAmount
	}
	if inv.Status == "" {
		inv.Status = InvoiceUnpaid
	}
	m.data.invoices[inv.ID] = inv
	return inv
}

// Invoice returns a stored invoice.
func (m *MemoryRepository) Invoice(id int64) (Invoice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.data.invoices[id]
	return inv, ok
}

// Payments returns every stored payment ordered by ID.
func (m *MemoryRepository) Payments() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payment, 0, len(m.data.payments))
	for _, p := range m.data.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Results returns every stored direct-debit result ordered by ID.
func (m *MemoryRepository) Results() []DirectDebitResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DirectDebitResult, 0, len(m.data.results))
	for _, r := range m.data.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuditLogs returns the recorded audit entries.
func (m *MemoryRepository) AuditLogs() []shared.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]shared.AuditLog(nil), m.data.audit...)
}

func (m *MemoryRepository) GetProvider(_ context.Context, tenantID, providerID int64) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.providers[providerID]
	if !ok || p.TenantID != tenantID {
		return Provider{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryRepository) UpsertProvider(_ context.Context, p Provider) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		for _, existing := range m.data.providers {
			if existing.TenantID == p.TenantID && existing.Code == p.Code {
				p.ID = existing.ID
				break
			}
		}
	}
	if p.ID == 0 {
		p.ID = m.data.next()
	}
	m.data.providers[p.ID] = p
	return p, nil
}

func (m *MemoryRepository) ListActiveProviders(_ context.Context, tenantID int64) ([]Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Provider
	for _, p := range m.data.providers {
		if p.TenantID == tenantID && p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ListOpenInvoices(_ context.Context, tenantID, providerID int64, month shared.BillingMonth) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Invoice
	for _, inv := range m.data.invoices {
		if inv.TenantID == tenantID && inv.ProviderID == providerID && inv.Year == month.Year && inv.Month == month.Month && inv.Open() {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) GetBatch(_ context.Context, tenantID, batchID int64) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.batches[batchID]
	if !ok || b.TenantID != tenantID {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryRepository) FindBatch(_ context.Context, tenantID, providerID int64, month shared.BillingMonth) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.data.batches {
		if b.TenantID == tenantID && b.ProviderID == providerID && b.Year == month.Year && b.Month == month.Month {
			return b, nil
		}
	}
	return Batch{}, ErrNotFound
}

func (m *MemoryRepository) ListBatches(_ context.Context, tenantID int64, month shared.BillingMonth) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.data.batches {
		if b.TenantID == tenantID && b.Year == month.Year && b.Month == month.Month {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ListLines(_ context.Context, batchID int64) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return linesOf(&m.data, batchID), nil
}

func linesOf(d *memoryData, batchID int64) []Line {
	var out []Line
	for _, l := range d.lines {
		if l.BatchID == batchID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out
}

type memoryTx struct {
	d *memoryData
}

func (t *memoryTx) GetOrCreatePeriod(_ context.Context, p Provider, month shared.BillingMonth) (BillingPeriod, error) {
	for _, bp := range t.d.periods {
		if bp.ProviderID == p.ID && bp.Year == month.Year && bp.Month == month.Month {
			return bp, nil
		}
	}
	bp := BillingPeriod{
		ID: t.d.next(), TenantID: p.TenantID, ProviderID: p.ID, Year: month.Year, Month: month.Month,
		ClosingDate: p.ClosingDate(month), DebitDate: p.DebitDate(month),
	}
	t.d.periods[bp.ID] = bp
	return bp, nil
}

func (t *memoryTx) InsertBatch(_ context.Context, b *Batch) error {
	for _, existing := range t.d.batches {
		if existing.BillingPeriodID == b.BillingPeriodID {
			return ErrBatchExists
		}
	}
	b.ID = t.d.next()
	t.d.batches[b.ID] = *b
	return nil
}

func (t *memoryTx) InsertLines(_ context.Context, batchID int64, lines []Line) error {
	for _, l := range lines {
		l.ID = t.d.next()
		l.BatchID = batchID
		t.d.lines[l.ID] = l
	}
	return nil
}

func (t *memoryTx) GetBatchForUpdate(_ context.Context, tenantID, batchID int64) (Batch, error) {
	b, ok := t.d.batches[batchID]
	if !ok || b.TenantID != tenantID {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (t *memoryTx) UpdateBatch(_ context.Context, b Batch) error {
	if _, ok := t.d.batches[b.ID]; !ok {
		return ErrNotFound
	}
	t.d.batches[b.ID] = b
	return nil
}

func (t *memoryTx) GetLineForUpdate(_ context.Context, batchID, lineID int64) (Line, error) {
	l, ok := t.d.lines[lineID]
	if !ok || l.BatchID != batchID {
		return Line{}, ErrNotFound
	}
	return l, nil
}

func (t *memoryTx) ListLines(_ context.Context, batchID int64) ([]Line, error) {
	return linesOf(t.d, batchID), nil
}

func (t *memoryTx) SaveLine(_ context.Context, l Line) error {
	if _, ok := t.d.lines[l.ID]; !ok {
		return ErrNotFound
	}
	t.d.lines[l.ID] = l
	return nil
}

func (t *memoryTx) GetInvoiceForUpdate(_ context.Context, tenantID, invoiceID int64) (Invoice, error) {
	inv, ok := t.d.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (t *memoryTx) SaveInvoice(_ context.Context, inv Invoice) error {
	if _, ok := t.d.invoices[inv.ID]; !ok {
		return ErrNotFound
	}
	t.d.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p *Payment) error {
	p.ID = t.d.next()
	t.d.payments[p.ID] = *p
	return nil
}

func (t *memoryTx) InsertDirectDebitResult(_ context.Context, r *DirectDebitResult) error {
	r.ID = t.d.next()
	t.d.results[r.ID] = *r
	return nil
}

func (t *memoryTx) ClaimKey(_ context.Context, key, module string) error {
	k := module + "|" + key
	if _, ok := t.d.keys[k]; ok {
		return shared.ErrIdempotencyConflict
	}
	t.d.keys[k] = struct{}{}
	return nil
}

func (t *memoryTx) RecordAudit(_ context.Context, log shared.AuditLog) error {
	t.d.audit = append(t.d.audit, log)
	return nil
}
