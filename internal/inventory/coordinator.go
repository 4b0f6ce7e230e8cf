package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"poscart/internal/cache"
	"poscart/internal/catalog"
	"poscart/internal/kv"
	"poscart/internal/metrics"
)

const ledgerPrefix = "resv:"

var (
	ErrInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrProductNotFound     = errors.New("inventory: product not found")
	ErrReservationNotFound = errors.New("inventory: reservation not found")
	ErrInvalidQuantity     = errors.New("inventory: quantity must be positive")
)

type Config struct {
	ReservationTTL time.Duration // lease length (default: 5m)
	StockCacheTTL  time.Duration // real-time stock view cache (default: 60s)
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 5 * time.Minute
	}
	if cfg.StockCacheTTL <= 0 {
		cfg.StockCacheTTL = 60 * time.Second
	}
	return cfg
}

// StockView is the real-time availability picture for one product.
type StockView struct {
	ProductID      string `json:"product_id"`
	ManageStock    bool   `json:"manage_stock"`
	CurrentStock   int    `json:"current_stock"`
	ReservedStock  int    `json:"reserved_stock"`
	AvailableStock int    `json:"available_stock"`
	Reservations   int    `json:"reservations"`
	IsLowStock     bool   `json:"is_low_stock"`
	StockStatus    string `json:"stock_status"`
}

// Availability is one line of a batch availability check.
type Availability struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	OK        bool   `json:"ok"`
}

// BatchAvailability is the read-only result of checking several lines at
// once. Nothing is reserved.
type BatchAvailability struct {
	OverallAvailable bool                    `json:"overall_available"`
	Products         map[string]Availability `json:"products"`
}

// Coordinator owns the reservation ledger and the real-time stock view. The
// catalog stays authoritative for quantity on hand; the coordinator layers
// lease-based holds on top so concurrent terminals cannot double-sell the
// same units.
type Coordinator struct {
	kv      kv.Store
	catalog catalog.Store
	cache   *cache.Cache
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewCoordinator(store kv.Store, cat catalog.Store, c *cache.Cache, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		kv:      store,
		catalog: cat,
		cache:   c,
		cfg:     cfg.WithDefaults(),
		metrics: m,
		logger:  logger.Named("inventory"),
		now:     time.Now,
	}
}

func ledgerKey(productID string) string { return ledgerPrefix + productID }

// GetRealTimeStock returns the availability view for a product, served from
// the stock cache when fresh. Mutations invalidate the cached view, so a
// cached answer is never older than the last reserve/release plus the TTL.
func (c *Coordinator) GetRealTimeStock(ctx context.Context, productID string) (StockView, error) {
	if c.cache != nil {
		var view StockView
		if c.cache.GetStock(ctx, productID, &view) {
			return view, nil
		}
	}

	view, err := c.computeStockView(ctx, productID)
	if err != nil {
		return StockView{}, err
	}

	if c.cache != nil {
		c.cache.SetStock(ctx, productID, view)
	}
	return view, nil
}

// GetUncachedStock always reads the catalog and ledger directly. Pre-checkout
// validation uses this; the cached view is fine everywhere else.
func (c *Coordinator) GetUncachedStock(ctx context.Context, productID string) (StockView, error) {
	return c.computeStockView(ctx, productID)
}

// computeStockView reads the catalog and the ledger directly, bypassing the
// cache.
func (c *Coordinator) computeStockView(ctx context.Context, productID string) (StockView, error) {
	product, err := c.catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return StockView{}, ErrProductNotFound
		}
		return StockView{}, fmt.Errorf("inventory: catalog lookup: %w", err)
	}

	l, err := c.loadLedger(ctx, productID)
	if err != nil {
		return StockView{}, err
	}

	now := c.now()
	reserved := l.activeQuantity(now)
	active := 0
	for _, r := range l.Reservations {
		if r.Active(now) {
			active++
		}
	}

	available := product.StockQuantity - reserved
	if available < 0 {
		available = 0
	}

	return StockView{
		ProductID:      productID,
		ManageStock:    product.ManageStock,
		CurrentStock:   product.StockQuantity,
		ReservedStock:  reserved,
		AvailableStock: available,
		Reservations:   active,
		IsLowStock:     product.ManageStock && product.LowStockAt > 0 && available <= product.LowStockAt,
		StockStatus:    string(product.StockStatus),
	}, nil
}

// Reserve places a lease on quantity units. The availability check and the
// insert run inside the ledger's atomic read-modify-write, so the check can
// never pass for two terminals against the same units. Products that do not
// manage stock need no hold; Reserve returns (nil, nil) for them.
func (c *Coordinator) Reserve(ctx context.Context, productID string, quantity int, orderKey, owner string) (*Reservation, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	product, err := c.catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("inventory: catalog lookup: %w", err)
	}
	if !product.ManageStock {
		return nil, nil
	}

	now := c.now()
	res := Reservation{
		ID:        newReservationID(productID),
		ProductID: productID,
		Quantity:  quantity,
		OrderKey:  orderKey,
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.ReservationTTL),
		Status:    StatusActive,
	}

	err = c.updateLedger(ctx, productID, func(l *ledger) error {
		l.prune(now)
		if product.StockQuantity-l.activeQuantity(now) < quantity {
			return ErrInsufficientStock
		}
		l.Reservations = append(l.Reservations, res)
		return nil
	})
	if err != nil {
		c.recordOutcome(err)
		return nil, err
	}

	c.recordOutcome(nil)
	c.invalidateStock(ctx, productID)
	c.logger.Info("stock reserved",
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
		zap.String("order_key", orderKey),
	)
	return &res, nil
}

// UpdateReservation adjusts an existing hold by delta. A resulting quantity
// of zero or less deletes the hold. Growth is re-validated against current
// availability, excluding the hold's own prior quantity.
func (c *Coordinator) UpdateReservation(ctx context.Context, reservationID string, delta int) (*Reservation, error) {
	productID, err := productFromReservationID(reservationID)
	if err != nil {
		return nil, ErrReservationNotFound
	}

	product, err := c.catalog.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("inventory: catalog lookup: %w", err)
	}

	now := c.now()
	var updated *Reservation

	err = c.updateLedger(ctx, productID, func(l *ledger) error {
		i, ok := l.find(reservationID)
		if !ok || !l.Reservations[i].Active(now) {
			return ErrReservationNotFound
		}

		newQuantity := l.Reservations[i].Quantity + delta
		if newQuantity <= 0 {
			l.Reservations = append(l.Reservations[:i], l.Reservations[i+1:]...)
			return nil
		}

		othersActive := l.activeQuantity(now) - l.Reservations[i].Quantity
		if product.StockQuantity-othersActive < newQuantity {
			return ErrInsufficientStock
		}

		l.Reservations[i].Quantity = newQuantity
		l.Reservations[i].ExpiresAt = now.Add(c.cfg.ReservationTTL) // lease renewal
		r := l.Reservations[i]
		updated = &r
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.invalidateStock(ctx, productID)
	return updated, nil
}

// Release removes a hold by reservation id. Releasing a hold that is already
// gone is a no-op success.
func (c *Coordinator) Release(ctx context.Context, reservationID string) error {
	productID, err := productFromReservationID(reservationID)
	if err != nil {
		return nil // malformed means long gone; stay idempotent
	}

	err = c.updateLedger(ctx, productID, func(l *ledger) error {
		if i, ok := l.find(reservationID); ok {
			l.Reservations = append(l.Reservations[:i], l.Reservations[i+1:]...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.invalidateStock(ctx, productID)
	return nil
}

// ReleaseByOrderKey removes every hold correlated to an order/cart across all
// products. Idempotent like Release.
func (c *Coordinator) ReleaseByOrderKey(ctx context.Context, orderKey string) error {
	entries, err := c.kv.ScanPrefix(ctx, ledgerPrefix)
	if err != nil {
		return fmt.Errorf("inventory: ledger scan: %w", err)
	}

	for key := range entries {
		productID := key[len(ledgerPrefix):]
		err := c.updateLedger(ctx, productID, func(l *ledger) error {
			kept := l.Reservations[:0]
			for _, r := range l.Reservations {
				if r.OrderKey != orderKey {
					kept = append(kept, r)
				}
			}
			l.Reservations = kept
			return nil
		})
		if err != nil {
			return err
		}
		c.invalidateStock(ctx, productID)
	}
	return nil
}

// ActiveReservation returns the reservation if it exists and still counts
// against availability.
func (c *Coordinator) ActiveReservation(ctx context.Context, reservationID string) (*Reservation, bool, error) {
	productID, err := productFromReservationID(reservationID)
	if err != nil {
		return nil, false, nil
	}

	l, err := c.loadLedger(ctx, productID)
	if err != nil {
		return nil, false, err
	}

	i, ok := l.find(reservationID)
	if !ok || !l.Reservations[i].Active(c.now()) {
		return nil, false, nil
	}
	r := l.Reservations[i]
	return &r, true, nil
}

// BatchCheckAvailability answers "could this set of lines be fulfilled right
// now" without reserving anything.
func (c *Coordinator) BatchCheckAvailability(ctx context.Context, requested map[string]int) (BatchAvailability, error) {
	out := BatchAvailability{
		OverallAvailable: true,
		Products:         make(map[string]Availability, len(requested)),
	}

	for productID, qty := range requested {
		view, err := c.computeStockView(ctx, productID)
		if err != nil {
			return BatchAvailability{}, err
		}

		ok := !view.ManageStock || view.AvailableStock >= qty
		out.Products[productID] = Availability{
			ProductID: productID,
			Requested: qty,
			Available: view.AvailableStock,
			OK:        ok,
		}
		if !ok {
			out.OverallAvailable = false
		}
	}
	return out, nil
}

// CleanupExpiredReservations sweeps every ledger, dropping lapsed leases.
// Returns the number of reservations removed.
func (c *Coordinator) CleanupExpiredReservations(ctx context.Context) (int, error) {
	entries, err := c.kv.ScanPrefix(ctx, ledgerPrefix)
	if err != nil {
		return 0, fmt.Errorf("inventory: ledger scan: %w", err)
	}

	now := c.now()
	removed := 0
	for key := range entries {
		productID := key[len(ledgerPrefix):]
		err := c.updateLedger(ctx, productID, func(l *ledger) error {
			removed += l.prune(now)
			return nil
		})
		if err != nil {
			return removed, err
		}
		c.invalidateStock(ctx, productID)
	}

	if removed > 0 {
		if c.metrics != nil {
			c.metrics.ReservationsExpiredSwept.Add(float64(removed))
		}
		c.logger.Info("reservation sweep", zap.Int("removed", removed))
	}
	return removed, nil
}

// updateLedger runs fn on a product's ledger inside the kv store's atomic
// read-modify-write. The ledger key has no TTL of its own; individual leases
// expire, and an emptied ledger deletes its key.
func (c *Coordinator) updateLedger(ctx context.Context, productID string, fn func(l *ledger) error) error {
	return c.kv.Update(ctx, ledgerKey(productID), 0, func(old []byte) ([]byte, error) {
		var l ledger
		if old != nil {
			if err := json.Unmarshal(old, &l); err != nil {
				return nil, fmt.Errorf("inventory: ledger unmarshal: %w", err)
			}
		}
		if err := fn(&l); err != nil {
			return nil, err
		}
		if len(l.Reservations) == 0 {
			return nil, nil
		}
		return json.Marshal(l)
	})
}

func (c *Coordinator) loadLedger(ctx context.Context, productID string) (*ledger, error) {
	raw, ok, err := c.kv.Get(ctx, ledgerKey(productID))
	if err != nil {
		return nil, fmt.Errorf("inventory: ledger load: %w", err)
	}
	l := &ledger{}
	if !ok {
		return l, nil
	}
	if err := json.Unmarshal(raw, l); err != nil {
		return nil, fmt.Errorf("inventory: ledger unmarshal: %w", err)
	}
	return l, nil
}

func (c *Coordinator) invalidateStock(ctx context.Context, productID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateStock(ctx, productID); err != nil {
		c.logger.Warn("stock cache invalidation failed",
			zap.String("product_id", productID), zap.Error(err))
	}
}

func (c *Coordinator) recordOutcome(err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrInsufficientStock):
		c.metrics.ReservationsTotal.WithLabelValues("insufficient_stock").Inc()
	default:
		c.metrics.ReservationsTotal.WithLabelValues("error").Inc()
	}
}
