package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manabi-erp/manabi/internal/platform/db"
	"github.com/manabi-erp/manabi/internal/shared"
)

// PGRepository provides PostgreSQL backed persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const providerColumns = `id, tenant_id, code, name, consignor_code, closing_day, debit_day, encoding, active`

const batchColumns = `id, tenant_id, batch_no, provider_id, billing_period_id, year, month, status,
	total_count, total_amount, success_count, success_amount, failed_count, failed_amount,
	not_found_count, result_fingerprint, exported_at, imported_at, created_at, updated_at`

const lineColumns = `id, batch_id, line_no, invoice_id, guardian_id, bank_code, branch_code, account_type,
	account_number, holder_kana, customer_code, amount, result_code, result_status, failure_reason,
	payment_id, direct_debit_result_id`

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (r *PGRepository) GetProvider(ctx context.Context, tenantID, providerID int64) (Provider, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM payment_providers WHERE tenant_id = $1 AND id = $2`, tenantID, providerID)
	return scanProvider(row)
}

func (r *PGRepository) UpsertProvider(ctx context.Context, p Provider) (Provider, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO payment_providers (tenant_id, code, name, consignor_code, closing_day, debit_day, encoding, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, code) DO UPDATE SET name = EXCLUDED.name, consignor_code = EXCLUDED.consignor_code,
	closing_day = EXCLUDED.closing_day, debit_day = EXCLUDED.debit_day, encoding = EXCLUDED.encoding, active = EXCLUDED.active
RETURNING `+providerColumns,
		p.TenantID, p.Code, p.Name, p.ConsignorCode, p.ClosingDay, p.DebitDay, string(p.Encoding), p.Active)
	return scanProvider(row)
}

func (r *PGRepository) ListActiveProviders(ctx context.Context, tenantID int64) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+providerColumns+` FROM payment_providers WHERE tenant_id = $1 AND active ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRepository) ListOpenInvoices(ctx context.Context, tenantID, providerID int64, month shared.BillingMonth) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, guardian_id, provider_id, year, month, total_amount, paid_amount, balance, status
FROM invoices
WHERE tenant_id = $1 AND provider_id = $2 AND year = $3 AND month = $4
	AND status IN ('UNPAID', 'PARTIAL') AND balance > 0
ORDER BY id`, tenantID, providerID, month.Year, month.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetBatch(ctx context.Context, tenantID, batchID int64) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM debit_export_batches WHERE tenant_id = $1 AND id = $2`, tenantID, batchID))
}

func (r *PGRepository) FindBatch(ctx context.Context, tenantID, providerID int64, month shared.BillingMonth) (Batch, error) {
	return scanBatch(r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM debit_export_batches
WHERE tenant_id = $1 AND provider_id = $2 AND year = $3 AND month = $4`, tenantID, providerID, month.Year, month.Month))
}

func (r *PGRepository) ListBatches(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM debit_export_batches
WHERE tenant_id = $1 AND year = $2 AND month = $3 ORDER BY id`, tenantID, month.Year, month.Month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PGRepository) ListLines(ctx context.Context, batchID int64) ([]Line, error) {
	return queryLines(ctx, r.pool, batchID, false)
}

type lineQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q lineQuerier, batchID int64, forUpdate bool) ([]Line, error) {
	sql := `SELECT ` + lineColumns + ` FROM debit_export_lines WHERE batch_id = $1 ORDER BY line_no`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrCreatePeriod(ctx context.Context, p Provider, month shared.BillingMonth) (BillingPeriod, error) {
	bp := BillingPeriod{TenantID: p.TenantID, ProviderID: p.ID, Year: month.Year, Month: month.Month}
	err := t.tx.QueryRow(ctx, `INSERT INTO billing_periods (tenant_id, provider_id, year, month, closing_date, debit_date)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (provider_id, year, month) DO UPDATE SET provider_id = EXCLUDED.provider_id
RETURNING id, closing_date, debit_date`,
		p.TenantID, p.ID, month.Year, month.Month, p.ClosingDate(month), p.DebitDate(month),
	).Scan(&bp.ID, &bp.ClosingDate, &bp.DebitDate)
	if err != nil {
		return BillingPeriod{}, fmt.Errorf("settlement: billing period: %w", err)
	}
	return bp, nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b *Batch) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO debit_export_batches (tenant_id, batch_no, provider_id, billing_period_id, year, month, status,
	total_count, total_amount, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		b.TenantID, b.BatchNo, b.ProviderID, b.BillingPeriodID, b.Year, b.Month, string(b.Status),
		b.TotalCount, b.TotalAmount, b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return ErrBatchExists
		}
		return fmt.Errorf("settlement: insert batch: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLines(ctx context.Context, batchID int64, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, []any{
			batchID, l.LineNo, l.InvoiceID, l.GuardianID, l.BankCode, l.BranchCode, l.AccountType,
			l.AccountNumber, l.HolderKana, l.CustomerCode, l.Amount, string(l.ResultStatus),
		})
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"debit_export_lines"}, []string{
		"batch_id", "line_no", "invoice_id", "guardian_id", "bank_code", "branch_code", "account_type",
		"account_number", "holder_kana", "customer_code", "amount", "result_status",
	}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("settlement: insert lines: %w", err)
	}
	return nil
}

func (t *pgTx) GetBatchForUpdate(ctx context.Context, tenantID, batchID int64) (Batch, error) {
	return scanBatch(t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM debit_export_batches WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, batchID))
}

func (t *pgTx) UpdateBatch(ctx context.Context, b Batch) error {
	tag, err := t.tx.Exec(ctx, `UPDATE debit_export_batches SET status = $3,
	total_count = $4, total_amount = $5, success_count = $6, success_amount = $7,
	failed_count = $8, failed_amount = $9, not_found_count = $10, result_fingerprint = $11,
	exported_at = $12, imported_at = $13, updated_at = $14
WHERE tenant_id = $1 AND id = $2`,
		b.TenantID, b.ID, string(b.Status), b.TotalCount, b.TotalAmount, b.SuccessCount, b.SuccessAmount,
		b.FailedCount, b.FailedAmount, b.NotFoundCount, b.ResultFingerprint, b.ExportedAt, b.ImportedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("settlement: update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) GetLineForUpdate(ctx context.Context, batchID, lineID int64) (Line, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+lineColumns+` FROM debit_export_lines WHERE batch_id = $1 AND id = $2 FOR UPDATE`, batchID, lineID)
	l, err := scanLine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Line{}, ErrNotFound
	}
	return l, err
}

func (t *pgTx) ListLines(ctx context.Context, batchID int64) ([]Line, error) {
	return queryLines(ctx, t.tx, batchID, true)
}

func (t *pgTx) SaveLine(ctx context.Context, l Line) error {
	_, err := t.tx.Exec(ctx, `UPDATE debit_export_lines SET result_code = $2, result_status = $3, failure_reason = $4,
	payment_id = $5, direct_debit_result_id = $6
WHERE id = $1`, l.ID, nullString(l.ResultCode), string(l.ResultStatus), nullString(string(l.FailureReason)), l.PaymentID, l.DirectDebitResultID)
	if err != nil {
		return fmt.Errorf("settlement: save line: %w", err)
	}
	return nil
}

func (t *pgTx) GetInvoiceForUpdate(ctx context.Context, tenantID, invoiceID int64) (Invoice, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, tenant_id, guardian_id, provider_id, year, month, total_amount, paid_amount, balance, status
FROM invoices WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, invoiceID)
	inv, err := scanInvoice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrNotFound
	}
	return inv, err
}

func (t *pgTx) SaveInvoice(ctx context.Context, inv Invoice) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET paid_amount = $3, balance = $4, status = $5, updated_at = NOW()
WHERE tenant_id = $1 AND id = $2`, inv.TenantID, inv.ID, inv.PaidAmount, inv.Balance, string(inv.Status))
	if err != nil {
		return fmt.Errorf("settlement: save invoice: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	return t.tx.QueryRow(ctx, `INSERT INTO payments (tenant_id, invoice_id, guardian_id, debit_line_id, amount, paid_on, method, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		p.TenantID, p.InvoiceID, p.GuardianID, p.LineID, p.Amount, p.PaidOn, p.Method, p.CreatedAt).Scan(&p.ID)
}

func (t *pgTx) InsertDirectDebitResult(ctx context.Context, r *DirectDebitResult) error {
	return t.tx.QueryRow(ctx, `INSERT INTO direct_debit_results (tenant_id, invoice_id, guardian_id, debit_line_id, amount, result_code, reason, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		r.TenantID, r.InvoiceID, r.GuardianID, r.LineID, r.Amount, r.ResultCode, string(r.Reason), r.ProcessedAt).Scan(&r.ID)
}

func (t *pgTx) ClaimKey(ctx context.Context, key, module string) error {
	return shared.CheckAndInsertKey(ctx, t.tx, key, module)
}

func (t *pgTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.NewAuditLogger(t.tx).Record(ctx, log)
}

func scanProvider(row pgx.Row) (Provider, error) {
	var p Provider
	var enc string
	err := row.Scan(&p.ID, &p.TenantID, &p.Code, &p.Name, &p.ConsignorCode, &p.ClosingDay, &p.DebitDay, &enc, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	p.Encoding = Encoding(enc)
	return p, err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.GuardianID, &inv.ProviderID, &inv.Year, &inv.Month,
		&inv.TotalAmount, &inv.PaidAmount, &inv.Balance, &status)
	inv.Status = InvoiceStatus(status)
	return inv, err
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	var status string
	var fingerprint *string
	err := row.Scan(&b.ID, &b.TenantID, &b.BatchNo, &b.ProviderID, &b.BillingPeriodID, &b.Year, &b.Month, &status,
		&b.TotalCount, &b.TotalAmount, &b.SuccessCount, &b.SuccessAmount, &b.FailedCount, &b.FailedAmount,
		&b.NotFoundCount, &fingerprint, &b.ExportedAt, &b.ImportedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	if fingerprint != nil {
		b.ResultFingerprint = *fingerprint
	}
	return b, nil
}

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	var resultCode, reason *string
	var status string
	err := row.Scan(&l.ID, &l.BatchID, &l.LineNo, &l.InvoiceID, &l.GuardianID, &l.BankCode, &l.BranchCode, &l.AccountType,
		&l.AccountNumber, &l.HolderKana, &l.CustomerCode, &l.Amount, &resultCode, &status, &reason,
		&l.PaymentID, &l.DirectDebitResultID)
	if err != nil {
		return Line{}, err
	}
	l.ResultStatus = ResultStatus(status)
	if resultCode != nil {
		l.ResultCode = *resultCode
	}
	if reason != nil {
		l.FailureReason = FailureReason(*reason)
	}
	return l, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
