package settlement

import (
	"context"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Repository abstracts settlement persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProvider(ctx context.Context, tenantID, providerID int64) (Provider, error)
	UpsertProvider(ctx context.Context, p Provider) (Provider, error)
	ListActiveProviders(ctx context.Context, tenantID int64) ([]Provider, error)
	ListOpenInvoices(ctx context.Context, tenantID, providerID int64, month shared.BillingMonth) ([]Invoice, error)
	GetBatch(ctx context.Context, tenantID, batchID int64) (Batch, error)
	FindBatch(ctx context.Context, tenantID, providerID int64, month shared.BillingMonth) (Batch, error)
	ListBatches(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]Batch, error)
	ListLines(ctx context.Context, batchID int64) ([]Line, error)
}

// TxRepository exposes row-level operations inside a transaction.
type TxRepository interface {
	GetOrCreatePeriod(ctx context.Context, p Provider, month shared.BillingMonth) (BillingPeriod, error)
	// InsertBatch assigns the batch ID. A second batch for the period yields ErrBatchExists.
	InsertBatch(ctx context.Context, b *Batch) error
	InsertLines(ctx context.Context, batchID int64, lines []Line) error
	GetBatchForUpdate(ctx context.Context, tenantID, batchID int64) (Batch, error)
	UpdateBatch(ctx context.Context, b Batch) error
	GetLineForUpdate(ctx context.Context, batchID, lineID int64) (Line, error)
	ListLines(ctx context.Context, batchID int64) ([]Line, error)
	SaveLine(ctx context.Context, l Line) error
	GetInvoiceForUpdate(ctx context.Context, tenantID, invoiceID int64) (Invoice, error)
	SaveInvoice(ctx context.Context, inv Invoice) error
	InsertPayment(ctx context.Context, p *Payment) error
	InsertDirectDebitResult(ctx context.Context, r *DirectDebitResult) error
	// ClaimKey records an idempotency key in the transaction; a repeat yields
	// shared.ErrIdempotencyConflict.
	ClaimKey(ctx context.Context, key, module string) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}
