package api

import (
	"errors"
	"net/http"

	"desk/cmd/identity"
	v1 "desk/shared/contracts/chat/v1"
)

// writeServiceError maps domain error kinds to HTTP. Anything unclassified is a 500 without detail.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := http.StatusInternalServerError, v1.CodeInternal
	switch {
	case identity.IsUnauthenticated(err):
		status, code = http.StatusUnauthorized, v1.CodeUnauthenticated
	case identity.IsForbidden(err):
		status, code = http.StatusForbidden, v1.CodeForbidden
	case identity.IsNotFound(err):
		status, code = http.StatusNotFound, v1.CodeNotFound
	case identity.IsInvalidInput(err), errors.Is(err, identity.ErrConflict):
		status, code = http.StatusBadRequest, v1.CodeValidation
	}

	if status == http.StatusInternalServerError {
		h.log.Error(op+".fail", "err", err, "path", r.URL.Path)
		writeError(w, status, code, "internal error")
		return
	}

	msg := identity.Message(err)
	if msg == "" {
		msg = http.StatusText(status)
	}
	writeError(w, status, code, msg)
}
