package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"poscart/internal/cache"
	"poscart/pkg/logging"
)

// CacheHandler holds dependencies for the /v1/cache ops endpoints.
type CacheHandler struct {
	Cache *cache.Cache
}

func NewCacheHandler(c *cache.Cache) *CacheHandler {
	return &CacheHandler{Cache: c}
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.Stats(r.Context()))
}

// Health handles GET /v1/cache/health.
func (h *CacheHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.GetHealth(r.Context()))
}

// InvalidateGroup handles DELETE /v1/cache/{group}.
func (h *CacheHandler) InvalidateGroup(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	group := chi.URLParam(r, "group")
	if err := h.Cache.Invalidate(r.Context(), group); err != nil {
		logger.Error("cache invalidation failed", zap.String("group", group), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
