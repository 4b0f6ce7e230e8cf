package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"poscart/internal/handlers"
	"poscart/internal/metrics"
	"poscart/internal/middleware"
)

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	m *metrics.Metrics,
	cartHandler *handlers.CartHandler,
	stockHandler *handlers.StockHandler,
	cacheHandler *handlers.CacheHandler,
) {

	r.Use(m.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())               // panic recovery
	r.Use(middleware.Timeout(15 * time.Second)) // request timeout
	r.Use(middleware.MaxBodySize(512 * 1024))   // 512 KB max body

	// routes
	r.Route("/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.Contents)
			r.Delete("/", cartHandler.Clear)
			r.Get("/totals", cartHandler.Totals)
			r.Get("/status", cartHandler.Status)
			r.Post("/items", cartHandler.AddItem)
			r.Post("/items/batch", cartHandler.BatchAdd)
			r.Patch("/items/{key}", cartHandler.UpdateItem)
			r.Delete("/items/{key}", cartHandler.RemoveItem)
			r.Post("/coupons", cartHandler.ApplyCoupon)
			r.Delete("/coupons/{code}", cartHandler.RemoveCoupon)
			r.Put("/location", cartHandler.SetLocation)
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/customer", cartHandler.SetCustomer)
			r.Post("/extend", cartHandler.Extend)
			r.Delete("/", cartHandler.Destroy)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Get("/{productID}", stockHandler.View)
			r.Post("/check", stockHandler.BatchCheck)
			r.Post("/report", stockHandler.Report)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", cacheHandler.Stats)
			r.Get("/health", cacheHandler.Health)
			r.Delete("/{group}", cacheHandler.InvalidateGroup)
		})
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", m.Handler())
}
