package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"commission-ledger/internal/ledger"
	"commission-ledger/internal/reconcile"
)

// errBadRequest marks malformed requests.
var errBadRequest = errors.New("bad request")

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrSettlementRejected):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownBot),
		errors.Is(err, reconcile.ErrTransactionNotFound):
		return http.StatusNotFound
	case ledger.IsValidation(err),
		errors.Is(err, reconcile.ErrInvalidKind),
		errors.Is(err, reconcile.ErrInvalidReference):
		return http.StatusUnprocessableEntity
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable
	case ledger.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
		resp.Retryable = true
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
