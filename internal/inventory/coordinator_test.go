package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poscart/internal/catalog"
	"poscart/internal/kv"
)

func managedProduct(id string, stock int) catalog.Product {
	return catalog.Product{
		ID:            id,
		Name:          "product " + id,
		Price:         decimal.NewFromInt(10),
		ManageStock:   true,
		StockQuantity: stock,
		StockStatus:   catalog.StockInStock,
		LowStockAt:    2,
	}
}

func newTestCoordinator(t *testing.T, products ...catalog.Product) (*Coordinator, *time.Time) {
	t.Helper()
	mem := kv.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })

	c := NewCoordinator(mem, catalog.NewMemoryStore(products...), nil, Config{}, nil, nil)
	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestReserve_TwoTerminalsScenario(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	// T1 reserves 7 of 10.
	if _, err := c.Reserve(ctx, "p1", 7, "k1", "t1"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	view, err := c.GetRealTimeStock(ctx, "p1")
	if err != nil {
		t.Fatalf("GetRealTimeStock failed: %v", err)
	}
	if view.AvailableStock != 3 {
		t.Fatalf("expected 3 available, got %d", view.AvailableStock)
	}

	// T2 wants 5; only 3 left.
	if _, err := c.Reserve(ctx, "p1", 5, "k2", "t2"); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}

	// T2 takes the remaining 3.
	if _, err := c.Reserve(ctx, "p1", 3, "k2", "t2"); err != nil {
		t.Fatalf("third reserve failed: %v", err)
	}
	view, _ = c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 0 {
		t.Fatalf("expected 0 available, got %d", view.AvailableStock)
	}
}

func TestReserve_NeverOversells(t *testing.T) {
	const stock = 10
	c, _ := newTestCoordinator(t, managedProduct("p1", stock))
	ctx := context.Background()

	// 20 workers each grab 1 unit concurrently; exactly 10 may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Reserve(ctx, "p1", 1, "k", "t"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != stock {
		t.Fatalf("expected exactly %d successful reservations, got %d", stock, wins)
	}
}

func TestReserve_ExpiryHealsAvailability(t *testing.T) {
	c, clock := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	if _, err := c.Reserve(ctx, "p1", 4, "k1", "t1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	view, _ := c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 6 {
		t.Fatalf("expected 6 available, got %d", view.AvailableStock)
	}

	// Let the lease lapse. No release, no sweep.
	*clock = clock.Add(6 * time.Minute)

	view, _ = c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 10 {
		t.Fatalf("expired lease must stop counting, got %d available", view.AvailableStock)
	}
}

func TestReserve_ProductIDWithColons(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("store:42:mug", 5))
	ctx := context.Background()

	res, err := c.Reserve(ctx, "store:42:mug", 2, "k1", "t1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// The ledger key is derived from the reservation id alone; colons in the
	// product id must not break the derivation.
	view, _ := c.GetRealTimeStock(ctx, "store:42:mug")
	if view.AvailableStock != 3 {
		t.Fatalf("expected 3 available, got %d", view.AvailableStock)
	}

	if _, err := c.UpdateReservation(ctx, res.ID, 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := c.Release(ctx, res.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	view, _ = c.GetRealTimeStock(ctx, "store:42:mug")
	if view.AvailableStock != 5 {
		t.Fatalf("release must restore availability, got %d", view.AvailableStock)
	}
}

func TestUpdateReservation(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	res, err := c.Reserve(ctx, "p1", 4, "k1", "t1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Grow by 3: fine, 7 <= 10.
	updated, err := c.UpdateReservation(ctx, res.ID, 3)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Quantity != 7 {
		t.Fatalf("expected quantity 7, got %d", updated.Quantity)
	}

	// Grow by 4: would need 11 of 10 even excluding its own hold.
	if _, err := c.UpdateReservation(ctx, res.ID, 4); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}

	// Shrink to zero deletes the hold.
	if _, err := c.UpdateReservation(ctx, res.ID, -7); err != nil {
		t.Fatalf("shrink-to-zero failed: %v", err)
	}
	view, _ := c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 10 {
		t.Fatalf("expected hold gone, got %d available", view.AvailableStock)
	}
	if _, err := c.UpdateReservation(ctx, res.ID, 1); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	res, _ := c.Reserve(ctx, "p1", 2, "k1", "t1")

	if err := c.Release(ctx, res.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	// Second release of the same hold is a no-op success.
	if err := c.Release(ctx, res.ID); err != nil {
		t.Fatalf("repeated release must succeed: %v", err)
	}
}

func TestReleaseByOrderKey(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10), managedProduct("p2", 5))
	ctx := context.Background()

	c.Reserve(ctx, "p1", 2, "order-a", "t1")
	c.Reserve(ctx, "p2", 3, "order-a", "t1")
	c.Reserve(ctx, "p1", 1, "order-b", "t2")

	if err := c.ReleaseByOrderKey(ctx, "order-a"); err != nil {
		t.Fatalf("release by order key failed: %v", err)
	}

	v1, _ := c.GetRealTimeStock(ctx, "p1")
	v2, _ := c.GetRealTimeStock(ctx, "p2")
	if v1.AvailableStock != 9 { // order-b's single unit still held
		t.Fatalf("expected 9 available for p1, got %d", v1.AvailableStock)
	}
	if v2.AvailableStock != 5 {
		t.Fatalf("expected 5 available for p2, got %d", v2.AvailableStock)
	}
}

func TestBatchCheckAvailability(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10), managedProduct("p2", 1))
	ctx := context.Background()

	c.Reserve(ctx, "p2", 1, "k", "t1")

	out, err := c.BatchCheckAvailability(ctx, map[string]int{"p1": 4, "p2": 1})
	if err != nil {
		t.Fatalf("batch check failed: %v", err)
	}
	if out.OverallAvailable {
		t.Fatalf("expected overall unavailable")
	}
	if !out.Products["p1"].OK || out.Products["p2"].OK {
		t.Fatalf("per-product detail wrong: %+v", out.Products)
	}

	// Read-only: nothing got reserved by the check.
	view, _ := c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 10 {
		t.Fatalf("batch check must not reserve, got %d available", view.AvailableStock)
	}
}

func TestCleanupExpiredReservations(t *testing.T) {
	c, clock := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	c.Reserve(ctx, "p1", 2, "k1", "t1")
	*clock = clock.Add(6 * time.Minute)
	c.Reserve(ctx, "p1", 3, "k2", "t2") // still fresh at sweep time

	removed, err := c.CleanupExpiredReservations(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept reservation, got %d", removed)
	}

	view, _ := c.GetRealTimeStock(ctx, "p1")
	if view.ReservedStock != 3 {
		t.Fatalf("expected 3 still reserved, got %d", view.ReservedStock)
	}
}

func TestOrderLifecycle(t *testing.T) {
	c, _ := newTestCoordinator(t, managedProduct("p1", 10))
	ctx := context.Background()

	c.HandleOrderPending(ctx, "order-1", "t1", map[string]int{"p1": 4})
	view, _ := c.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 6 {
		t.Fatalf("pending order should hold stock, got %d available", view.AvailableStock)
	}

	if err := c.HandleOrderCompleted(ctx, "order-1"); err != nil {
		t.Fatalf("completed handler failed: %v", err)
	}
	view, _ = c.GetRealTimeStock(ctx, "p1")
	if view.ReservedStock != 0 {
		t.Fatalf("completed order must release holds, %d still reserved", view.ReservedStock)
	}
}

func TestReserve_UnmanagedProductNeedsNoHold(t *testing.T) {
	p := managedProduct("svc", 0)
	p.ManageStock = false
	c, _ := newTestCoordinator(t, p)
	ctx := context.Background()

	res, err := c.Reserve(ctx, "svc", 3, "k", "t1")
	if err != nil {
		t.Fatalf("reserve on unmanaged product failed: %v", err)
	}
	if res != nil {
		t.Fatalf("unmanaged products take no hold, got %+v", res)
	}
}
