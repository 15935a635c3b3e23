// Package settlement exports direct-debit batches to payment providers and reconciles
// their result files into payments.
package settlement

import (
	"fmt"
	"time"

	"github.com/manabi-erp/manabi/internal/shared"
)

// Encoding names a provider file byte encoding.
type Encoding string

const (
	EncodingShiftJIS Encoding = "shift_jis"
	EncodingEUCJP    Encoding = "euc-jp"
	EncodingUTF8     Encoding = "utf-8"
)

// Provider is a direct-debit payment provider configuration.
type Provider struct {
	ID            int64    `yaml:"id"`
	TenantID      int64    `yaml:"tenant_id"`
	Code          string   `yaml:"code"`
	Name          string   `yaml:"name"`
	ConsignorCode string   `yaml:"consignor_code"`
	ClosingDay    int      `yaml:"closing_day"`
	DebitDay      int      `yaml:"debit_day"`
	Encoding      Encoding `yaml:"encoding"`
	Active        bool     `yaml:"active"`
}

// ClosingDate returns the provider's closing date inside month.
func (p Provider) ClosingDate(month shared.BillingMonth) time.Time {
	return month.Day(p.ClosingDay, time.UTC)
}

// DebitDate returns the date payments of month are dated on.
func (p Provider) DebitDate(month shared.BillingMonth) time.Time {
	return month.Day(p.DebitDay, time.UTC)
}

// BillingPeriod is one (provider, month) settlement window.
type BillingPeriod struct {
	ID          int64
	TenantID    int64
	ProviderID  int64
	Year        int
	Month       int
	ClosingDate time.Time
	DebitDate   time.Time
}

// InvoiceStatus enumerates guardian receivable states.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "UNPAID"
	InvoicePartial InvoiceStatus = "PARTIAL"
	InvoicePaid    InvoiceStatus = "PAID"
)

// Invoice is a guardian-level receivable for one month.
type Invoice struct {
	ID          int64
	TenantID    int64
	GuardianID  int64
	ProviderID  int64
	Year        int
	Month       int
	TotalAmount int64
	PaidAmount  int64
	Balance     int64
	Status      InvoiceStatus
}

// Open reports whether the invoice can be collected by direct debit.
func (i Invoice) Open() bool {
	return (i.Status == InvoiceUnpaid || i.Status == InvoicePartial) && i.Balance > 0
}

// ApplyPayment books amount against the invoice and derives its status.
func (i *Invoice) ApplyPayment(amount int64) {
	i.PaidAmount += amount
	i.Balance = i.TotalAmount - i.PaidAmount
	switch {
	case i.Balance <= 0:
		i.Status = InvoicePaid
	case i.PaidAmount > 0:
		i.Status = InvoicePartial
	default:
		i.Status = InvoiceUnpaid
	}
}

// BatchStatus is the one-way lifecycle of an export batch.
type BatchStatus string

const (
	BatchDraft          BatchStatus = "DRAFT"
	BatchExported       BatchStatus = "EXPORTED"
	BatchResultImported BatchStatus = "RESULT_IMPORTED"
)

var batchTransitions = map[BatchStatus]BatchStatus{
	BatchDraft:    BatchExported,
	BatchExported: BatchResultImported,
}

// CanTransition reports whether moving from s to next is allowed.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	return batchTransitions[s] == next
}

// Batch bundles the debit requests of one provider period.
type Batch struct {
	ID                int64
	TenantID          int64
	BatchNo           string
	ProviderID        int64
	BillingPeriodID   int64
	Year              int
	Month             int
	Status            BatchStatus
	TotalCount        int
	TotalAmount       int64
	SuccessCount      int
	SuccessAmount     int64
	FailedCount       int
	FailedAmount      int64
	NotFoundCount     int
	ResultFingerprint string
	ExportedAt        *time.Time
	ImportedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BillingMonth returns the batch month.
func (b Batch) BillingMonth() shared.BillingMonth {
	return shared.BillingMonth{Year: b.Year, Month: b.Month}
}

func (b *Batch) transition(next BatchStatus) error {
	if !b.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, next)
	}
	b.Status = next
	return nil
}

// ResultStatus is the per-line reconciliation state.
type ResultStatus string

const (
	ResultPending ResultStatus = "PENDING"
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
)

// FailureReason classifies a failed debit.
type FailureReason string

const (
	ReasonInsufficientFunds FailureReason = "insufficient_funds"
	ReasonAccountClosed     FailureReason = "account_closed"
	ReasonInvalidAccount    FailureReason = "invalid_account"
	ReasonRejected          FailureReason = "rejected"
	ReasonOther             FailureReason = "other"
)

// Line is one debit request inside a batch. It links to at most one of a payment or a
// direct-debit result.
type Line struct {
	ID                  int64
	BatchID             int64
	LineNo              int
	InvoiceID           int64
	GuardianID          int64
	BankCode            string
	BranchCode          string
	AccountType         string
	AccountNumber       string
	HolderKana          string
	CustomerCode        string
	Amount              int64
	ResultCode          string
	ResultStatus        ResultStatus
	FailureReason       FailureReason
	PaymentID           *int64
	DirectDebitResultID *int64
}

// Linked reports whether results were already attached to the line.
func (l Line) Linked() bool {
	return l.PaymentID != nil || l.DirectDebitResultID != nil
}

// Payment is money received against an invoice.
type Payment struct {
	ID         int64
	TenantID   int64
	InvoiceID  int64
	GuardianID int64
	LineID     int64
	Amount     int64
	PaidOn     time.Time
	Method     string
	CreatedAt  time.Time
}

// DirectDebitResult records a failed debit attempt.
type DirectDebitResult struct {
	ID          int64
	TenantID    int64
	InvoiceID   int64
	GuardianID  int64
	LineID      int64
	Amount      int64
	ResultCode  string
	Reason      FailureReason
	ProcessedAt time.Time
}

// ClassifyResult maps a provider result code onto a line outcome.
func ClassifyResult(code string) (ResultStatus, FailureReason) {
	switch code {
	case "0":
		return ResultSuccess, ""
	case "1":
		return ResultFailed, ReasonInsufficientFunds
	case "2":
		return ResultFailed, ReasonAccountClosed
	case "3":
		return ResultFailed, ReasonInvalidAccount
	case "9":
		return ResultFailed, ReasonRejected
	default:
		return ResultFailed, ReasonOther
	}
}
