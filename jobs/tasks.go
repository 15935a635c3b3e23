package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manabi-erp/manabi/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingGenerate generates confirmed billings for a month.
	TaskBillingGenerate = "billing:generate"
	// TaskBillingDiscounts recomputes corporate and family-mile discounts for a month.
	TaskBillingDiscounts = "billing:discounts"
	// TaskSettlementBatch builds direct-debit batches for the active providers.
	TaskSettlementBatch = "settlement:batch"
)

// MonthCurrent and MonthNext select the month relative to the worker clock when the
// payload leaves Year/Month empty.
const (
	MonthCurrent = "current"
	MonthNext    = "next"
)

// BillingPayload scopes billing generation and discount recompute. TenantID 0 fans out to
// every active tenant.
type BillingPayload struct {
	TenantID int64  `json:"tenant_id"`
	Year     int    `json:"year,omitempty"`
	Month    int    `json:"month,omitempty"`
	Relative string `json:"relative,omitempty"`
	Mode     string `json:"mode,omitempty"`
	DryRun   bool   `json:"dry_run"`
}

// SettlementPayload scopes batch generation. ProviderID 0 covers every active provider
// of the tenant.
type SettlementPayload struct {
	TenantID   int64  `json:"tenant_id"`
	ProviderID int64  `json:"provider_id,omitempty"`
	Year       int    `json:"year,omitempty"`
	Month      int    `json:"month,omitempty"`
	Relative   string `json:"relative,omitempty"`
	DryRun     bool   `json:"dry_run"`
}

// NewBillingGenerateTask creates a billing:generate task.
func NewBillingGenerateTask(payload BillingPayload) (*asynq.Task, error) {
	return newTask(TaskBillingGenerate, payload)
}

// NewBillingDiscountsTask creates a billing:discounts task.
func NewBillingDiscountsTask(payload BillingPayload) (*asynq.Task, error) {
	return newTask(TaskBillingDiscounts, payload)
}

// NewSettlementBatchTask creates a settlement:batch task.
func NewSettlementBatchTask(payload SettlementPayload) (*asynq.Task, error) {
	return newTask(TaskSettlementBatch, payload)
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}

// resolveMonth picks the explicit month when given, otherwise the month relative to now.
func resolveMonth(year, month int, relative string, now time.Time) (shared.BillingMonth, error) {
	if year != 0 || month != 0 {
		return shared.NewBillingMonth(year, month)
	}
	current := shared.BillingMonth{Year: now.Year(), Month: int(now.Month())}
	switch relative {
	case "", MonthCurrent:
		return current, nil
	case MonthNext:
		return current.Next(), nil
	default:
		return shared.BillingMonth{}, fmt.Errorf("jobs: unknown relative month %q", relative)
	}
}
