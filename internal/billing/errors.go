package billing

import (
	"errors"
	"fmt"

	"github.com/manabi-erp/manabi/internal/shared"
)

// ErrNotFound indicates the snapshot does not exist or is deleted.
var ErrNotFound = fmt.Errorf("billing: %w", shared.ErrNotFound)

// ErrInvalidInput indicates a malformed create/update request.
var ErrInvalidInput = fmt.Errorf("billing: %w", shared.ErrValidation)

// DuplicateBillingError reports an existing live snapshot for the same key.
type DuplicateBillingError struct {
	Key        Key
	ExistingID int64
}

func (e *DuplicateBillingError) Error() string {
	return fmt.Sprintf("billing: confirmed billing already exists for tenant %d student %d month %s (id %d)",
		e.Key.TenantID, e.Key.StudentID, e.Key.Month, e.ExistingID)
}

// Unwrap lets errors.Is match shared.ErrDuplicate.
func (e *DuplicateBillingError) Unwrap() error { return shared.ErrDuplicate }

// IsDuplicate reports whether err is a DuplicateBillingError.
func IsDuplicate(err error) bool {
	var dup *DuplicateBillingError
	return errors.As(err, &dup)
}
