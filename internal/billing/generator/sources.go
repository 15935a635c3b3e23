package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/manabi-erp/manabi/internal/billing"
	"github.com/manabi-erp/manabi/internal/shared"
)

// StudentStatus mirrors the directory's enrollment state.
type StudentStatus string

const (
	StudentActive    StudentStatus = "active"
	StudentSuspended StudentStatus = "suspended"
	StudentWithdrawn StudentStatus = "withdrawn"
)

// Student is a directory entry with a contract overlapping the billing window.
type Student struct {
	ID         int64
	GuardianID int64
	Status     StudentStatus
	Name       string
}

// SourceItem is a charge emitted by a contract or enrollment source before proration.
type SourceItem struct {
	ProductCode string
	ItemType    billing.ItemType
	Description string
	UnitPrice   int64
	Quantity    int64
	TaxAmount   int64
	// BillingMonthKey tags ad-hoc records (YYYYMM) with the bill they belong to.
	BillingMonthKey string
	// EnrollmentStart and Weekdays drive proration when the enrollment begins mid-month.
	EnrollmentStart *time.Time
	Weekdays        []time.Weekday
}

// TenantDirectory confirms a tenant exists before any write.
type TenantDirectory interface {
	TenantExists(ctx context.Context, tenantID int64) (bool, error)
}

// StudentDirectory lists students whose contracts overlap [from, to].
type StudentDirectory interface {
	ListBillableStudents(ctx context.Context, tenantID int64, from, to time.Time) ([]Student, error)
}

// RecurringItemSource emits the recurring items already scheduled for a month.
type RecurringItemSource interface {
	RecurringItems(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) ([]SourceItem, error)
}

// ContractSource derives items from active contracts when no recurring items exist.
type ContractSource interface {
	ContractItems(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) ([]SourceItem, error)
}

// AdhocEnrollmentSource emits certification and seminar charges tagged with a month key.
type AdhocEnrollmentSource interface {
	AdhocItems(ctx context.Context, tenantID, studentID int64, monthKey string) ([]SourceItem, error)
}

// CarryOverSource returns the balance carried from the previous month.
type CarryOverSource interface {
	CarryOver(ctx context.Context, tenantID, studentID int64, month shared.BillingMonth) (int64, error)
}

// Progress receives the number of processed students after each one.
type Progress interface {
	Report(ctx context.Context, done, total int) error
}

// Canceler reports an external abort request.
type Canceler interface {
	Canceled(ctx context.Context) (bool, error)
}

// ErrNoTenant aborts a run before any write.
var ErrNoTenant = fmt.Errorf("generator: tenant not found: %w", shared.ErrFatal)

// NoGuardianError marks a billable student without a guardian.
type NoGuardianError struct {
	StudentID int64
}

func (e *NoGuardianError) Error() string {
	return fmt.Sprintf("generator: student %d has no guardian", e.StudentID)
}

// Unwrap lets errors.Is match shared.ErrNotFound.
func (e *NoGuardianError) Unwrap() error { return shared.ErrNotFound }
