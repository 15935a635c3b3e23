package shared

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error taxonomy shared by the batch procedures. Typed errors wrap one of these so
// callers can branch with errors.Is.
var (
	// ErrValidation marks entity-level data problems; the entity is excluded and counted.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicate marks uniqueness violations; surfaced, never silently overwritten.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrNotFound marks missing collaborators or records; counted, never fatal.
	ErrNotFound = errors.New("not found")
	// ErrFatal marks configuration-level problems that abort a run before any write.
	ErrFatal = errors.New("fatal configuration error")
)

const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
