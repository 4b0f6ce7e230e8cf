package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"poscart/internal/cart"
)

// errorBody is the uniform error envelope every handler writes.
type errorBody struct {
	Error string    `json:"error"`
	Code  cart.Code `json:"code,omitempty"`
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps coordinator error codes onto HTTP statuses.
func statusFor(code cart.Code) int {
	switch code {
	case cart.CodeInvalidProduct, cart.CodeInvalidQuantity:
		return http.StatusBadRequest
	case cart.CodeItemNotFound:
		return http.StatusNotFound
	case cart.CodeInsufficientStock, cart.CodeOutOfStock, cart.CodeCouponAlreadyApplied:
		return http.StatusConflict
	case cart.CodeCouponInvalid:
		return http.StatusUnprocessableEntity
	case cart.CodeSessionInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs and writes a domain error using the code mapping.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := cart.CodeOf(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, errorBody{Error: "internal error", Code: code})
		return
	}

	logger.Warn("request rejected", zap.String("code", string(code)), zap.Error(err))
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}
