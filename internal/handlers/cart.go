package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"poscart/internal/cart"
	"poscart/internal/session"
	"poscart/internal/tax"
	"poscart/pkg/logging"
)

// Session context comes from headers on every call: the terminal and user
// identify the register, the token resumes a prior session. The resolved
// session id is echoed back in X-Session-Token so the client can persist it.
const (
	headerTerminalID   = "X-Terminal-ID"
	headerUserID       = "X-User-ID"
	headerSessionToken = "X-Session-Token"
)

// CartHandler holds dependencies for the /v1/cart and /v1/session endpoints.
type CartHandler struct {
	Carts    *cart.Coordinator
	Sessions *session.Store
}

func NewCartHandler(carts *cart.Coordinator, sessions *session.Store) *CartHandler {
	return &CartHandler{Carts: carts, Sessions: sessions}
}

// resolveSession establishes the request's session from headers, creating a
// fresh one when the token is absent or dead. On failure it writes the error
// and returns nil.
func (h *CartHandler) resolveSession(w http.ResponseWriter, r *http.Request) *session.Session {
	logger := logging.L(r.Context())

	terminalID := r.Header.Get(headerTerminalID)
	if terminalID == "" {
		logger.Warn("missing terminal id")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: headerTerminalID + " header is required"})
		return nil
	}

	sess, err := h.Sessions.Resolve(r.Context(),
		terminalID,
		r.Header.Get(headerUserID),
		r.Header.Get(headerSessionToken),
		r.UserAgent(),
	)
	if err != nil {
		logger.Error("session resolve failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return nil
	}

	w.Header().Set(headerSessionToken, sess.ID)
	return sess
}

// AddItem handles POST /v1/cart/items.
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in cart.AddItemInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	item, err := h.Carts.AddItem(r.Context(), sess, in)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// BatchAdd handles POST /v1/cart/items/batch.
func (h *CartHandler) BatchAdd(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in struct {
		Items []cart.AddItemInput `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := h.Carts.BatchAdd(r.Context(), sess, in.Items)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UpdateItem handles PATCH /v1/cart/items/{key}.
func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in struct {
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.Carts.UpdateItemQuantity(r.Context(), sess, key, in.Quantity); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// RemoveItem handles DELETE /v1/cart/items/{key}.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	key := chi.URLParam(r, "key")
	if err := h.Carts.RemoveItem(r.Context(), sess, key); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// Clear handles DELETE /v1/cart.
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	if err := h.Carts.Clear(r.Context(), sess); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// ApplyCoupon handles POST /v1/cart/coupons.
func (h *CartHandler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.Carts.ApplyCoupon(r.Context(), sess, in.Code); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// RemoveCoupon handles DELETE /v1/cart/coupons/{code}.
func (h *CartHandler) RemoveCoupon(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	code := chi.URLParam(r, "code")
	if err := h.Carts.RemoveCoupon(r.Context(), sess, code); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// SetLocation handles PUT /v1/cart/location.
func (h *CartHandler) SetLocation(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var loc tax.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.Carts.SetLocation(r.Context(), sess, loc); err != nil {
		writeError(w, logger, err)
		return
	}
	h.respondContents(w, r, sess)
}

// Contents handles GET /v1/cart. With ?calculate=true stale totals are
// recomputed before responding.
func (h *CartHandler) Contents(w http.ResponseWriter, r *http.Request) {
	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}
	h.respondContents(w, r, sess)
}

func (h *CartHandler) respondContents(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	logger := logging.L(r.Context())

	calculate := r.URL.Query().Get("calculate") == "true"
	contents, err := h.Carts.GetContents(r.Context(), sess, calculate)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

// Totals handles GET /v1/cart/totals.
func (h *CartHandler) Totals(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	totals, err := h.Carts.GetTotals(r.Context(), sess)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// Status handles GET /v1/cart/status, the pre-checkout validation.
func (h *CartHandler) Status(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	status, err := h.Carts.CheckStatus(r.Context(), sess)
	if err != nil {
		writeError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetCustomer handles POST /v1/session/customer.
func (h *CartHandler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in struct {
		CustomerID string `json:"customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if err := h.Sessions.SetCustomer(r.Context(), sess, in.CustomerID); err != nil {
		logger.Error("set customer failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Extend handles POST /v1/session/extend.
func (h *CartHandler) Extend(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	var in struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if in.Seconds <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "seconds must be positive"})
		return
	}

	if err := h.Sessions.Extend(r.Context(), sess, time.Duration(in.Seconds)*time.Second); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "session expired", Code: cart.CodeSessionInvalid})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Destroy handles DELETE /v1/session. Stock holds are released first so the
// units go back on the shelf immediately.
func (h *CartHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	sess := h.resolveSession(w, r)
	if sess == nil {
		return
	}

	if err := h.Carts.Clear(r.Context(), sess); err != nil {
		writeError(w, logger, err)
		return
	}
	if err := h.Sessions.Destroy(r.Context(), sess); err != nil {
		logger.Error("session destroy failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
