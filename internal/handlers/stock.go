package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"poscart/internal/inventory"
	"poscart/pkg/logging"
)

// StockHandler holds dependencies for the /v1/stock endpoints.
type StockHandler struct {
	Inventory *inventory.Coordinator
}

func NewStockHandler(inv *inventory.Coordinator) *StockHandler {
	return &StockHandler{Inventory: inv}
}

// View handles GET /v1/stock/{productID}.
func (h *StockHandler) View(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	productID := chi.URLParam(r, "productID")
	view, err := h.Inventory.GetRealTimeStock(r.Context(), productID)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown product " + productID})
			return
		}
		logger.Error("stock view failed", zap.String("product_id", productID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// BatchCheck handles POST /v1/stock/check. Read-only: nothing is reserved.
func (h *StockHandler) BatchCheck(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	var in struct {
		Products map[string]int `json:"products"` // product id -> requested quantity
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := h.Inventory.BatchCheckAvailability(r.Context(), in.Products)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown product in request"})
			return
		}
		logger.Error("batch availability check failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Report handles POST /v1/stock/report, bucketing products by severity for
// the inventory dashboard.
func (h *StockHandler) Report(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	var in struct {
		ProductIDs []string `json:"product_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	report, err := h.Inventory.GetStockStatusReport(r.Context(), in.ProductIDs)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown product in request"})
			return
		}
		logger.Error("stock report failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
