// Package httperr maps the sentinel errors returned by lib/auth, lib/catalog
// and lib/store onto the status codes and JSON bodies the transport layer
// sends to callers.
package httperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/buildmesh/controller/lib/auth"
	"github.com/buildmesh/controller/lib/catalog"
	"github.com/buildmesh/controller/lib/store"
)

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteValidationError writes {"error": msg, "details": details}.
func WriteValidationError(w http.ResponseWriter, msg string, details map[string]string) {
	WriteJSON(w, http.StatusBadRequest, map[string]any{"error": msg, "details": details})
}

// Respond translates err into the status code and body spec §7 prescribes
// and writes it. log receives security-relevant rejections (store.ErrSecurity)
// at warn level and unmapped errors (answered with 500) at error level;
// every other case is left to the caller's own logging.
func Respond(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrInvalidCredential),
		errors.Is(err, auth.ErrTokenExpired):
		WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrScopeMismatch),
		errors.Is(err, auth.ErrWorkerBuildMismatch),
		errors.Is(err, auth.ErrBuildIDHeaderMismatch),
		errors.Is(err, catalog.ErrForbidden):
		WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, catalog.ErrNotFound), errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrStateConflict):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrPayloadTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrSecurity):
		if log != nil {
			log.Warn("rejected path escaping storage root", "path", r.URL.Path, "remote", r.RemoteAddr)
		}
		WriteError(w, http.StatusForbidden, "forbidden")
	default:
		if log != nil {
			log.Error("internal error", "err", err, "path", r.URL.Path)
		}
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
