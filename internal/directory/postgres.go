// Package directory reads the school master data owned by other subsystems: tenants,
// students, contracts, enrollments, guardian adjustments, affiliations, mile points and
// bank accounts. Everything here is read-only.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/billing/generator"
	"github.com/manabi-erp/manabi/internal/discount"
	"github.com/manabi-erp/manabi/internal/settlement"
	"github.com/manabi-erp/manabi/internal/shared"
)

// PGDirectory serves the billing, discount and settlement collaborators from Postgres.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory constructs the directory.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

var (
	_ generator.TenantDirectory       = (*PGDirectory)(nil)
	_ generator.StudentDirectory      = (*PGDirectory)(nil)
	_ generator.RecurringItemSource   = (*PGDirectory)(nil)
	_ generator.ContractSource        = (*PGDirectory)(nil)
	_ generator.AdhocEnrollmentSource = (*PGDirectory)(nil)
	_ generator.CarryOverSource       = (*PGDirectory)(nil)
	_ billing.AdjustmentFeed          = (*PGDirectory)(nil)
	_ discount.AffiliationSource      = (*PGDirectory)(nil)
	_ discount.MileLedger             = (*PGDirectory)(nil)
	_ settlement.GuardianDirectory    = (*PGDirectory)(nil)
)

// Sources bundles the directory as generator sources.
func (d *PGDirectory) Sources() generator.Sources {
	return generator.Sources{
		Tenants:   d,
		Students:  d,
		Recurring: d,
		Contracts: d,
		Adhoc:     d,
		CarryOver: d,
	}
}

// TenantExists reports whether an active tenant exists.
func (d *PGDirectory) TenantExists(ctx context.Context, tenantID int64) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1 AND active)`, tenantID).Scan(&exists)
	return exists, err
}

// ListTenantIDs returns every active tenant ordered by id.
func (d *PGDirectory) ListTenantIDs(ctx context.Context) ([]int64, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *PGDirectory) ListBillableStudents(ctx context.Context, tenantID int64, from, to time.Time) ([]generator.Student, error) {
	rows, err := d.pool.Query(ctx, `SELECT DISTINCT s.id, COALESCE(s.guardian_id, 0), s.status, s.name
FROM students s
JOIN student_contracts c ON c.tenant_id = s.tenant_id AND c.student_id = s.id
WHERE s.tenant_id = $1 AND c.start_date <= $3 AND (c.end_date IS NULL OR c.end_date >= $2)
ORDER BY s.id`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("directory: list students: %w", err)
	}
	defer rows.Close()
	var out []generator.Student
	for rows.Next() {
		var s generator.Student
		var status string
		if err := rows.Scan(&s.ID, &s.GuardianID, &status, &s.Name); err != nil {
			return nil, err
		}
		s.Status = generator.StudentStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *PGDirectory) RecurringItems(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) ([]generator.SourceItem, error) {
	rows, err := d.pool.Query(ctx, `SELECT product_code, item_type, description, unit_price, quantity, tax_amount, enrollment_start, weekdays
FROM student_recurring_items
WHERE tenant_id = $1 AND student_id = $2 AND year = $3 AND month = $4
ORDER BY id`, tenantID, studentID, month.Year, month.Month)
	if err != nil {
		return nil, fmt.Errorf("directory: recurring items: %w", err)
	}
	return collectItems(rows, "")
}

func (d *PGDirectory) ContractItems(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) ([]generator.SourceItem, error) {
	rows, err := d.pool.Query(ctx, `SELECT product_code, item_type, description, monthly_price, quantity, tax_amount, start_date, weekdays
FROM student_contracts
WHERE tenant_id = $1 AND student_id = $2 AND start_date <= $4 AND (end_date IS NULL OR end_date >= $3)
ORDER BY id`, tenantID, studentID, month.Start(time.Local), month.End(time.Local))
	if err != nil {
		return nil, fmt.Errorf("directory: contract items: %w", err)
	}
	return collectItems(rows, "")
}

func (d *PGDirectory) AdhocItems(ctx context.Context, tenantID, studentID int64, monthKey string) ([]generator.SourceItem, error) {
	rows, err := d.pool.Query(ctx, `SELECT product_code, item_type, description, unit_price, quantity, tax_amount, NULL::date, NULL::smallint[]
FROM adhoc_enrollments
WHERE tenant_id = $1 AND student_id = $2 AND billing_month_key = $3
ORDER BY id`, tenantID, studentID, monthKey)
	if err != nil {
		return nil, fmt.Errorf("directory: adhoc items: %w", err)
	}
	return collectItems(rows, monthKey)
}

func collectItems(rows pgx.Rows, monthKey string) ([]generator.SourceItem, error) {
	defer rows.Close()
	var out []generator.SourceItem
	for rows.Next() {
		var it generator.SourceItem
		var itemType string
		var start *time.Time
		var weekdays []int16
		if err := rows.Scan(&it.ProductCode, &itemType, &it.Description, &it.UnitPrice, &it.Quantity, &it.TaxAmount, &start, &weekdays); err != nil {
			return nil, err
		}
		it.ItemType = billing.ItemType(itemType)
		it.BillingMonthKey = monthKey
		it.EnrollmentStart = start
		for _, wd := range weekdays {
			it.Weekdays = append(it.Weekdays, time.Weekday(wd))
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (d *PGDirectory) CarryOver(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) (int64, error) {
	var amount int64
	err := d.pool.QueryRow(ctx, `SELECT amount FROM carry_overs WHERE tenant_id = $1 AND student_id = $2 AND year = $3 AND month = $4`,
		tenantID, studentID, month.Year, month.Month).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

func (d *PGDirectory) ListAdjustments(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]billing.Adjustment, error) {
	rows, err := d.pool.Query(ctx, `SELECT guardian_id, amount, COALESCE(note, '')
FROM guardian_adjustments
WHERE tenant_id = $1 AND year = $2 AND month = $3
ORDER BY guardian_id, id`, tenantID, month.Year, month.Month)
	if err != nil {
		return nil, fmt.Errorf("directory: adjustments: %w", err)
	}
	defer rows.Close()
	var out []billing.Adjustment
	for rows.Next() {
		var a billing.Adjustment
		if err := rows.Scan(&a.GuardianID, &a.Amount, &a.Note); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAffiliations returns the agreements started by the end of the month. Agreements
// that ended before the month are reported inactive so their discounts get removed.
func (d *PGDirectory) ListAffiliations(ctx context.Context, tenantID int64, month shared.BillingMonth) ([]discount.Affiliation, error) {
	rows, err := d.pool.Query(ctx, `SELECT guardian_id, rate::text, product_caps, (end_date IS NULL OR end_date >= $2)
FROM corporate_affiliations
WHERE tenant_id = $1 AND start_date <= $3
ORDER BY guardian_id, start_date DESC`, tenantID, month.Start(time.Local), month.End(time.Local))
	if err != nil {
		return nil, fmt.Errorf("directory: affiliations: %w", err)
	}
	defer rows.Close()
	seen := make(map[int64]struct{})
	var out []discount.Affiliation
	for rows.Next() {
		var a discount.Affiliation
		var rate string
		var caps []byte
		if err := rows.Scan(&a.GuardianID, &rate, &caps, &a.Active); err != nil {
			return nil, err
		}
		if _, dup := seen[a.GuardianID]; dup {
			continue
		}
		seen[a.GuardianID] = struct{}{}
		if a.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("directory: guardian %d rate %q: %w", a.GuardianID, rate, err)
		}
		if len(caps) > 0 {
			if err := json.Unmarshal(caps, &a.ProductCaps); err != nil {
				return nil, fmt.Errorf("directory: guardian %d product caps: %w", a.GuardianID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *PGDirectory) Points(ctx context.Context, tenantID, guardianID int64, month shared.BillingMonth) (int64, error) {
	var points int64
	err := d.pool.QueryRow(ctx, `SELECT COALESCE(SUM(points), 0) FROM mile_points WHERE tenant_id = $1 AND guardian_id = $2 AND year = $3 AND month = $4`,
		tenantID, guardianID, month.Year, month.Month).Scan(&points)
	return points, err
}

func (d *PGDirectory) ListBankAccounts(ctx context.Context, tenantID int64, guardianIDs []int64) (map[int64]settlement.BankAccount, error) {
	out := make(map[int64]settlement.BankAccount, len(guardianIDs))
	if len(guardianIDs) == 0 {
		return out, nil
	}
	rows, err := d.pool.Query(ctx, `SELECT guardian_id, bank_code, branch_code, account_type, account_number, holder_kana, COALESCE(customer_code, '')
FROM guardian_bank_accounts
WHERE tenant_id = $1 AND guardian_id = ANY($2)`, tenantID, guardianIDs)
	if err != nil {
		return nil, fmt.Errorf("directory: bank accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a settlement.BankAccount
		if err := rows.Scan(&a.GuardianID, &a.BankCode, &a.BranchCode, &a.AccountType, &a.AccountNumber, &a.HolderKana, &a.CustomerCode); err != nil {
			return nil, err
		}
		out[a.GuardianID] = a
	}
	return out, rows.Err()
}
