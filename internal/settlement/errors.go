package settlement

import (
	"fmt"

	"github.com/manabi-erp/manabi/internal/shared"
)

var (
	// ErrNoActiveProvider aborts batch generation before any write.
	ErrNoActiveProvider = fmt.Errorf("settlement: no active provider: %w", shared.ErrFatal)
	// ErrBatchExists reports a second batch for the same provider period.
	ErrBatchExists = fmt.Errorf("settlement: batch already exists for period: %w", shared.ErrDuplicate)
	// ErrNotFound reports a missing batch, provider or invoice.
	ErrNotFound = fmt.Errorf("settlement: %w", shared.ErrNotFound)
	// ErrInvalidTransition reports a batch state change against the one-way lifecycle.
	ErrInvalidTransition = fmt.Errorf("settlement: invalid batch transition: %w", shared.ErrValidation)
	// ErrInvalidBankDetails marks a guardian whose bank details cannot be exported.
	ErrInvalidBankDetails = fmt.Errorf("settlement: invalid bank details: %w", shared.ErrValidation)
)

// RowError describes a result-file row that could not be processed.
type RowError struct {
	Row    int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}
