package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"poscart/internal/cache"
	"poscart/internal/cart"
	"poscart/internal/catalog"
	"poscart/internal/handlers"
	"poscart/internal/httpserver"
	"poscart/internal/inventory"
	"poscart/internal/kv"
	"poscart/internal/metrics"
	"poscart/internal/session"
	"poscart/internal/tax"
	"poscart/pkg/logging"
)

type Config struct {
	Port             string
	KVBackend        string // "memory" or "redis"
	RedisAddr        string
	KVPrefix         string
	PricesIncludeTax bool
	SweepInterval    time.Duration
}

func LoadConfig() Config {
	return Config{
		Port:             getenv("PORT", "8080"),
		KVBackend:        getenv("KV_BACKEND", "memory"),
		RedisAddr:        getenv("REDIS_ADDR", "127.0.0.1:6379"),
		KVPrefix:         getenv("KV_PREFIX", "poscart"),
		PricesIncludeTax: getenv("PRICES_INCLUDE_TAX", "false") == "true",
		SweepInterval:    getdur("SWEEP_INTERVAL", time.Minute),
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("poscart exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	m := metrics.New()

	// ----- Config -----
	cfg := LoadConfig()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("kv_backend", cfg.KVBackend),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Bool("prices_include_tax", cfg.PricesIncludeTax),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.KVBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Shared kv store -----
	store := kv.NewStore(kv.Config{
		Backend: cfg.KVBackend,
		Prefix:  cfg.KVPrefix,
	}, redisClient)
	defer store.Close()

	// ----- Cache -----
	posCache := cache.New(store, cache.Config{}, m, logger)

	// ----- Collaborators -----
	// The real catalog, coupon, and rate sources live in the host platform;
	// these in-memory ones carry dev and demo setups.
	cat := catalog.NewMemoryStore(demoProducts()...)
	coupons := cart.NewMemoryCoupons(
		cart.Coupon{Code: "SAVE10", Type: cart.CouponPercent, Amount: decimal.NewFromInt(10)},
	)
	rates := tax.NewMemoryRates(map[string][]tax.Rate{
		"": {{Name: "Sales Tax", Rate: decimal.NewFromFloat(0.10), Priority: 1}},
	})

	// ----- Core components -----
	sessions := session.NewStore(store, session.Config{}, m, logger)
	inv := inventory.NewCoordinator(store, cat, posCache, inventory.Config{}, m, logger)
	taxes := tax.NewEngine(rates, cat, posCache, tax.Config{
		PricesIncludeTax: cfg.PricesIncludeTax,
	}, m, logger)
	carts := cart.NewCoordinator(sessions, inv, taxes, cat, coupons, logger)

	// ----- Background sweeps -----
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	defer stopSweeps()
	go runSweeps(sweepCtx, cfg.SweepInterval, sessions, inv, logger)

	// ----- Handlers -----
	cartHandler := handlers.NewCartHandler(carts, sessions)
	stockHandler := handlers.NewStockHandler(inv)
	cacheHandler := handlers.NewCacheHandler(posCache)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, m, cartHandler, stockHandler, cacheHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting poscart",
		zap.String("addr", srv.Addr),
		zap.String("kv_backend", cfg.KVBackend),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")
	stopSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// runSweeps periodically removes expired sessions and lapsed stock holds.
// The kv backend's own TTLs catch most of this; the sweep handles the rest.
func runSweeps(ctx context.Context, interval time.Duration, sessions *session.Store, inv *inventory.Coordinator, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sessions.CleanupExpired(ctx); err != nil {
				logger.Warn("session sweep failed", zap.Error(err))
			}
			if _, err := inv.CleanupExpiredReservations(ctx); err != nil {
				logger.Warn("reservation sweep failed", zap.Error(err))
			}
		}
	}
}

// demoProducts seeds the in-memory catalog so a bare binary is usable.
func demoProducts() []catalog.Product {
	return []catalog.Product{
		{
			ID:            "sku-mug",
			Name:          "Stoneware Mug",
			Price:         decimal.RequireFromString("14.50"),
			ManageStock:   true,
			StockQuantity: 40,
			StockStatus:   catalog.StockInStock,
			LowStockAt:    5,
		},
		{
			ID:            "sku-tote",
			Name:          "Canvas Tote",
			Price:         decimal.RequireFromString("22.00"),
			ManageStock:   true,
			StockQuantity: 12,
			StockStatus:   catalog.StockInStock,
			LowStockAt:    3,
		},
		{
			ID:          "sku-giftwrap",
			Name:        "Gift Wrapping",
			Price:       decimal.RequireFromString("3.00"),
			ManageStock: false,
			StockStatus: catalog.StockInStock,
		},
	}
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getdur parses a duration from the environment or falls back to def.
func getdur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
