package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manabi-erp/manabi/internal/platform/db"
	"github.com/manabi-erp/manabi/internal/shared"
)

// PGRepository provides PostgreSQL backed persistence for confirmed billings.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const selectColumns = `id, tenant_id, student_id, guardian_id, year, month,
	subtotal, discount_total, tax_amount, adjustment_amount, carry_over_amount,
	total_amount, paid_amount, balance, items, discounts, status, clamped,
	deleted_at, delete_reason, created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{q: tx})
	})
}

// Get returns a snapshot by id, deleted or not.
func (r *PGRepository) Get(ctx context.Context, tenantID, id int64) (ConfirmedBilling, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM confirmed_billings WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanBilling(row)
}

// FindByKey returns the live snapshot for key.
func (r *PGRepository) FindByKey(ctx context.Context, key Key) (ConfirmedBilling, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM confirmed_billings
WHERE tenant_id = $1 AND student_id = $2 AND year = $3 AND month = $4 AND deleted_at IS NULL`,
		key.TenantID, key.StudentID, key.Month.Year, key.Month.Month)
	return scanBilling(row)
}

// ListByPeriod returns live snapshots ordered by student and id.
func (r *PGRepository) ListByPeriod(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM confirmed_billings
WHERE tenant_id = $1 AND year = $2 AND month = $3 AND deleted_at IS NULL
ORDER BY student_id, id`, tenantID, month.Year, month.Month)
	if err != nil {
		return nil, err
	}
	return collectBillings(rows)
}

// ListByGuardian returns the guardian's live snapshots ordered by student and id.
func (r *PGRepository) ListByGuardian(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) ([]ConfirmedBilling, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM confirmed_billings
WHERE tenant_id = $1 AND guardian_id = $2 AND year = $3 AND month = $4 AND deleted_at IS NULL
ORDER BY student_id, id`, tenantID, guardianID, month.Year, month.Month)
	if err != nil {
		return nil, err
	}
	return collectBillings(rows)
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetForUpdate(ctx context.Context, tenantID, id int64) (ConfirmedBilling, error) {
	row := t.q.QueryRow(ctx, `SELECT `+selectColumns+` FROM confirmed_billings WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	return scanBilling(row)
}

func (t *pgTx) FindByKeyForUpdate(ctx context.Context, key Key) (ConfirmedBilling, error) {
	row := t.q.QueryRow(ctx, `SELECT `+selectColumns+` FROM confirmed_billings
WHERE tenant_id = $1 AND student_id = $2 AND year = $3 AND month = $4 AND deleted_at IS NULL
FOR UPDATE`, key.TenantID, key.StudentID, key.Month.Year, key.Month.Month)
	return scanBilling(row)
}

func (t *pgTx) Insert(ctx context.Context, b *ConfirmedBilling) error {
	items, discounts, err := marshalSequences(*b)
	if err != nil {
		return err
	}
	err = t.q.QueryRow(ctx, `INSERT INTO confirmed_billings (
	tenant_id, student_id, guardian_id, year, month,
	subtotal, discount_total, tax_amount, adjustment_amount, carry_over_amount,
	total_amount, paid_amount, balance, items, discounts, status, clamped, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING id`,
		b.TenantID, b.StudentID, b.GuardianID, b.Year, b.Month,
		b.Subtotal, b.DiscountTotal, b.TaxAmount, b.AdjustmentAmount, b.CarryOverAmount,
		b.TotalAmount, b.PaidAmount, b.Balance, items, discounts, string(b.Status), b.Clamped, b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return &DuplicateBillingError{Key: b.Key()}
		}
		return fmt.Errorf("billing: insert: %w", err)
	}
	return nil
}

func (t *pgTx) Save(ctx context.Context, b ConfirmedBilling) error {
	items, discounts, err := marshalSequences(b)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `UPDATE confirmed_billings SET
	guardian_id = $3, subtotal = $4, discount_total = $5, tax_amount = $6, adjustment_amount = $7,
	carry_over_amount = $8, total_amount = $9, paid_amount = $10, balance = $11,
	items = $12, discounts = $13, status = $14, clamped = $15, updated_at = $16
WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`,
		b.TenantID, b.ID, b.GuardianID, b.Subtotal, b.DiscountTotal, b.TaxAmount, b.AdjustmentAmount,
		b.CarryOverAmount, b.TotalAmount, b.PaidAmount, b.Balance,
		items, discounts, string(b.Status), b.Clamped, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("billing: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SoftDelete(ctx context.Context, tenantID, id int64, reason string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE confirmed_billings SET deleted_at = $3, delete_reason = $4, updated_at = $3
WHERE tenant_id = $1 AND id = $2 AND deleted_at IS NULL`, tenantID, id, at, reason)
	if err != nil {
		return fmt.Errorf("billing: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSequences(b ConfirmedBilling) ([]byte, []byte, error) {
	items := b.Items
	if items == nil {
		items = []LineItem{}
	}
	discounts := b.Discounts
	if discounts == nil {
		discounts = []DiscountEntry{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode items: %w", err)
	}
	discountsJSON, err := json.Marshal(discounts)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode discounts: %w", err)
	}
	return itemsJSON, discountsJSON, nil
}

func scanBilling(row pgx.Row) (ConfirmedBilling, error) {
	var b ConfirmedBilling
	var items, discounts []byte
	var status string
	var deleteReason *string
	err := row.Scan(
		&b.ID, &b.TenantID, &b.StudentID, &b.GuardianID, &b.Year, &b.Month,
		&b.Subtotal, &b.DiscountTotal, &b.TaxAmount, &b.AdjustmentAmount, &b.CarryOverAmount,
		&b.TotalAmount, &b.PaidAmount, &b.Balance, &items, &discounts, &status, &b.Clamped,
		&b.DeletedAt, &deleteReason, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConfirmedBilling{}, ErrNotFound
	}
	if err != nil {
		return ConfirmedBilling{}, err
	}
	b.Status = Status(status)
	if deleteReason != nil {
		b.DeleteReason = *deleteReason
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &b.Items); err != nil {
			return ConfirmedBilling{}, fmt.Errorf("billing: decode items of %d: %w", b.ID, err)
		}
	}
	if len(discounts) > 0 {
		if err := json.Unmarshal(discounts, &b.Discounts); err != nil {
			return ConfirmedBilling{}, fmt.Errorf("billing: decode discounts of %d: %w", b.ID, err)
		}
	}
	return b, nil
}

func collectBillings(rows pgx.Rows) ([]ConfirmedBilling, error) {
	defer rows.Close()
	var out []ConfirmedBilling
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
