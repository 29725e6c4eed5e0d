package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/certgate/issuer"
	"github.com/jmcleod/certgate/journal"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError writes the response for err. Issuance failures are reported as
// gateway errors without details; the cause is in the audit log.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, issuer.ErrConfiguration), errors.Is(err, issuer.ErrIO):
		writeError(w, http.StatusBadGateway, "certificate authority unavailable")
	case errors.Is(err, issuer.ErrSigning):
		writeError(w, http.StatusBadGateway, "client certificate could not be issued")
	case errors.Is(err, issuer.ErrCANotLoaded), errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
