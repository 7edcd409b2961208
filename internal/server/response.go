package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smartpay/wallet-ledger/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":  kindFor(err),
		"detail": err.Error(),
	})
}

// statusFor maps the error taxonomy onto HTTP statuses. Every failure gets
// a stable kind and no ambiguous partial-success state.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, models.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrDuplicateKey):
		return "conflict"
	case errors.Is(err, models.ErrTimeout):
		return "timeout"
	default:
		return "storage_error"
	}
}
