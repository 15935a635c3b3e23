package httpx

import (
	"errors"
	"net/http"

	"github.com/manabi-erp/manabi/internal/shared"
)

// ErrBadRequest marks malformed input rejected before reaching a service.
var ErrBadRequest = errors.New("bad request")

// RespondError maps the shared error taxonomy to RFC7807 responses.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrInvalidMonth):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrFatal):
		Problem(w, http.StatusUnprocessableEntity, "Not Processable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
