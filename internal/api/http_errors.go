package api

import (
	"errors"
	"net/http"

	"github.com/muhrin/aiida-core/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatLock, core.ErrCatState:
		return http.StatusConflict, true
	case core.ErrCatUnsupported:
		return http.StatusNotImplemented, true
	default:
		return http.StatusInternalServerError, true
	}
}

// respondDomainError maps err to a status, falling back to 500.
func respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		status = http.StatusInternalServerError
	}
	body := map[string]string{"error": err.Error()}
	var domErr *core.DomainError
	if errors.As(err, &domErr) && domErr.Code != "" {
		body["code"] = domErr.Code
	}
	respondJSON(w, status, body)
}
