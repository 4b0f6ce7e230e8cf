package cart

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"poscart/internal/cache"
	"poscart/internal/catalog"
	"poscart/internal/inventory"
	"poscart/internal/kv"
	"poscart/internal/session"
	"poscart/internal/tax"
)

// countingRates serves a flat 10% standard rate and counts lookups, which is
// how the tests observe whether totals were actually recomputed.
type countingRates struct {
	lookups int
}

func (f *countingRates) RatesFor(_ context.Context, taxClass string, _ tax.Location) ([]tax.Rate, error) {
	f.lookups++
	if taxClass != "standard" {
		return nil, nil
	}
	return []tax.Rate{{Name: "VAT", Rate: dec("0.10")}}, nil
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type fixture struct {
	co    *Coordinator
	inv   *inventory.Coordinator
	cat   *catalog.MemoryStore
	rates *countingRates
	sess  *session.Session
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithInventory(t, inventory.Config{})
}

func newFixtureWithInventory(t *testing.T, invCfg inventory.Config) *fixture {
	t.Helper()
	mem := kv.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })

	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time { return clock }

	cat := catalog.NewMemoryStore(
		catalog.Product{
			ID: "p1", Name: "coffee mug", Price: dec("100.00"), TaxClass: "standard",
			ManageStock: true, StockQuantity: 10, StockStatus: catalog.StockInStock,
		},
		catalog.Product{
			ID: "p2", Name: "tote bag", Price: dec("25.00"), TaxClass: "standard",
			ManageStock: true, StockQuantity: 3, StockStatus: catalog.StockInStock,
		},
	)

	// No shared cache in the fixture: stock reads stay real-time, which keeps
	// availability assertions exact.
	inv := inventory.NewCoordinator(mem, cat, nil, invCfg, nil, nil)

	rates := &countingRates{}
	taxCache := cache.New(mem, cache.Config{}, nil, nil)
	engine := tax.NewEngine(rates, cat, taxCache, tax.Config{}, nil, nil)

	sessions := session.NewStore(mem, session.Config{}, nil, nil)
	sess, err := sessions.Resolve(context.Background(), "t1", "u1", "", "fp")
	if err != nil {
		t.Fatalf("session resolve failed: %v", err)
	}

	coupons := NewMemoryCoupons(
		Coupon{Code: "SAVE10", Type: CouponPercent, Amount: dec("10")},
		Coupon{Code: "FIVEOFF", Type: CouponFixed, Amount: dec("5.00")},
	)

	co := NewCoordinator(sessions, inv, engine, cat, coupons, nil)
	co.now = now

	return &fixture{co: co, inv: inv, cat: cat, rates: rates, sess: sess, clock: &clock}
}

func TestAddItem_MergesIdenticalSelections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 2})
	if err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	second, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 3})
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if first.Key != second.Key {
		t.Fatalf("identical selections must share a key")
	}

	contents, err := f.co.GetContents(ctx, f.sess, false)
	if err != nil {
		t.Fatalf("GetContents failed: %v", err)
	}
	if len(contents.Items) != 1 {
		t.Fatalf("expected 1 merged line, got %d", len(contents.Items))
	}
	if contents.Items[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", contents.Items[0].Quantity)
	}
	if contents.Count != 5 {
		t.Fatalf("count is the quantity sum, got %d", contents.Count)
	}
}

func TestAddItem_DistinctSelectionsStaySeparate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.co.AddItem(ctx, f.sess, AddItemInput{
		ProductID: "p1", Quantity: 1, Selections: map[string]string{"size": "S"},
	})
	f.co.AddItem(ctx, f.sess, AddItemInput{
		ProductID: "p1", Quantity: 1, Selections: map[string]string{"size": "L"},
	})

	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if len(contents.Items) != 2 {
		t.Fatalf("different selections must not merge, got %d lines", len(contents.Items))
	}
}

func TestAddItem_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "ghost", Quantity: 1}); !IsCode(err, CodeInvalidProduct) {
		t.Fatalf("expected invalid_product, got %v", err)
	}
	if _, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 0}); !IsCode(err, CodeInvalidQuantity) {
		t.Fatalf("expected invalid_quantity, got %v", err)
	}
	if _, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p2", Quantity: 4}); !IsCode(err, CodeInsufficientStock) {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}

	// Failed adds leave the cart untouched.
	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if len(contents.Items) != 0 {
		t.Fatalf("failed mutations must not change the cart, got %d lines", len(contents.Items))
	}
}

func TestAddItem_TakesStockHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 4})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if item.ReservationID == "" {
		t.Fatalf("expected a stock hold on the added line")
	}

	view, _ := f.inv.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 6 {
		t.Fatalf("expected 6 available after hold, got %d", view.AvailableStock)
	}
}

func TestGetTotals_DirtyFlagAvoidsRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 2})

	first, err := f.co.GetTotals(ctx, f.sess)
	if err != nil {
		t.Fatalf("GetTotals failed: %v", err)
	}
	lookupsAfterFirst := f.rates.lookups
	if lookupsAfterFirst == 0 {
		t.Fatalf("dirty cart must recompute")
	}

	second, _ := f.co.GetTotals(ctx, f.sess)
	if f.rates.lookups != lookupsAfterFirst {
		t.Fatalf("clean cart must not recompute (lookups %d -> %d)",
			lookupsAfterFirst, f.rates.lookups)
	}
	if !first.Total.Equal(second.Total) {
		t.Fatalf("repeated reads must agree: %s vs %s", first.Total, second.Total)
	}

	// A mutation re-dirties; the next read recomputes.
	f.co.UpdateItemQuantity(ctx, f.sess, ItemKey("p1", "", nil), 3)
	f.co.GetTotals(ctx, f.sess)
	if f.rates.lookups == lookupsAfterFirst {
		t.Fatalf("mutation must trigger recompute on next read")
	}
}

func TestGetTotals_ScenarioWithCoupon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// price 100.00 x2 at 10%: subtotal 200, tax 20, total 220.
	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 2})

	totals, err := f.co.GetTotals(ctx, f.sess)
	if err != nil {
		t.Fatalf("GetTotals failed: %v", err)
	}
	if !totals.Subtotal.Equal(dec("200.00")) || !totals.TaxTotal.Equal(dec("20.00")) || !totals.Total.Equal(dec("220.00")) {
		t.Fatalf("expected 200/20/220, got %s/%s/%s", totals.Subtotal, totals.TaxTotal, totals.Total)
	}

	if err := f.co.ApplyCoupon(ctx, f.sess, "SAVE10"); err != nil {
		t.Fatalf("ApplyCoupon failed: %v", err)
	}
	totals, _ = f.co.GetTotals(ctx, f.sess)
	if !totals.DiscountTotal.Equal(dec("22.00")) { // 10% of 220
		t.Fatalf("expected discount 22.00, got %s", totals.DiscountTotal)
	}
	if !totals.Total.Equal(dec("198.00")) {
		t.Fatalf("expected total 198.00, got %s", totals.Total)
	}
	// Line amounts survive the coupon recompute unchanged.
	if !totals.Subtotal.Equal(dec("200.00")) || !totals.TaxTotal.Equal(dec("20.00")) {
		t.Fatalf("coupon must not disturb subtotal/tax, got %s/%s", totals.Subtotal, totals.TaxTotal)
	}
}

func TestApplyCoupon_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.co.ApplyCoupon(ctx, f.sess, "NOPE"); !IsCode(err, CodeCouponInvalid) {
		t.Fatalf("expected coupon_invalid, got %v", err)
	}
	if err := f.co.ApplyCoupon(ctx, f.sess, "SAVE10"); err != nil {
		t.Fatalf("ApplyCoupon failed: %v", err)
	}
	if err := f.co.ApplyCoupon(ctx, f.sess, "SAVE10"); !IsCode(err, CodeCouponAlreadyApplied) {
		t.Fatalf("expected coupon_already_applied, got %v", err)
	}
}

func TestTotals_ClampedAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cat.Put(catalog.Product{
		ID: "cheap", Name: "sticker", Price: dec("1.00"), TaxClass: "standard",
		StockStatus: catalog.StockInStock,
	})
	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "cheap", Quantity: 1})
	f.co.ApplyCoupon(ctx, f.sess, "FIVEOFF")

	totals, _ := f.co.GetTotals(ctx, f.sess)
	if !totals.Total.IsZero() {
		t.Fatalf("total must clamp at zero, got %s", totals.Total)
	}
}

func TestUpdateQuantityZero_EqualsRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, _ := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 4})

	if err := f.co.UpdateItemQuantity(ctx, f.sess, item.Key, 0); err != nil {
		t.Fatalf("quantity-zero update failed: %v", err)
	}

	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if len(contents.Items) != 0 {
		t.Fatalf("quantity zero must remove the line")
	}
	view, _ := f.inv.GetRealTimeStock(ctx, "p1")
	if view.AvailableStock != 10 {
		t.Fatalf("removal must release the hold, got %d available", view.AvailableStock)
	}
}

func TestUpdateQuantity_AdjustsHoldByDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, _ := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 2})

	if err := f.co.UpdateItemQuantity(ctx, f.sess, item.Key, 6); err != nil {
		t.Fatalf("grow failed: %v", err)
	}
	view, _ := f.inv.GetRealTimeStock(ctx, "p1")
	if view.ReservedStock != 6 {
		t.Fatalf("expected hold grown to 6, got %d", view.ReservedStock)
	}

	// 11 of 10 is too many even excluding the line's own hold.
	if err := f.co.UpdateItemQuantity(ctx, f.sess, item.Key, 11); !IsCode(err, CodeInsufficientStock) {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}
	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if contents.Items[0].Quantity != 6 {
		t.Fatalf("failed update must leave quantity at 6, got %d", contents.Items[0].Quantity)
	}
}

func TestUpdateQuantity_LapsedLeaseRevalidates(t *testing.T) {
	// Leases lapse immediately, so every quantity update hits the
	// hold-is-gone path and must re-prove availability from scratch.
	f := newFixtureWithInventory(t, inventory.Config{ReservationTTL: time.Nanosecond})
	ctx := context.Background()

	item, err := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 2})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// Growing past the shelf (50 of 10) must fail even though the old hold
	// no longer exists to adjust.
	if err := f.co.UpdateItemQuantity(ctx, f.sess, item.Key, 50); !IsCode(err, CodeInsufficientStock) {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}
	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if contents.Items[0].Quantity != 2 {
		t.Fatalf("failed update must leave quantity at 2, got %d", contents.Items[0].Quantity)
	}

	// A feasible grow succeeds and takes a fresh hold.
	if err := f.co.UpdateItemQuantity(ctx, f.sess, item.Key, 6); err != nil {
		t.Fatalf("feasible grow failed: %v", err)
	}
	contents, _ = f.co.GetContents(ctx, f.sess, false)
	if contents.Items[0].Quantity != 6 {
		t.Fatalf("expected quantity 6, got %d", contents.Items[0].Quantity)
	}
}

func TestUpdateQuantity_UnknownKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.co.UpdateItemQuantity(ctx, f.sess, "nope", 2); !IsCode(err, CodeItemNotFound) {
		t.Fatalf("expected item_not_found, got %v", err)
	}
}

func TestClear_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 4})
	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p2", Quantity: 2})
	f.co.ApplyCoupon(ctx, f.sess, "SAVE10")

	if err := f.co.Clear(ctx, f.sess); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if len(contents.Items) != 0 || len(contents.Coupons) != 0 {
		t.Fatalf("clear must empty items and coupons")
	}

	v1, _ := f.inv.GetRealTimeStock(ctx, "p1")
	v2, _ := f.inv.GetRealTimeStock(ctx, "p2")
	if v1.ReservedStock != 0 || v2.ReservedStock != 0 {
		t.Fatalf("clear must release all holds")
	}

	// Empty cart is Clean: totals read without any rate lookups.
	before := f.rates.lookups
	totals, _ := f.co.GetTotals(ctx, f.sess)
	if f.rates.lookups != before {
		t.Fatalf("empty cart must not recompute")
	}
	if !totals.Total.IsZero() {
		t.Fatalf("empty cart total must be zero")
	}
}

func TestContentHash_TracksItemsAndCoupons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c1, _ := f.co.GetContents(ctx, f.sess, false)
	f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p1", Quantity: 1})
	c2, _ := f.co.GetContents(ctx, f.sess, false)
	if c1.Hash == c2.Hash {
		t.Fatalf("adding an item must change the fingerprint")
	}

	f.co.ApplyCoupon(ctx, f.sess, "SAVE10")
	c3, _ := f.co.GetContents(ctx, f.sess, false)
	if c2.Hash == c3.Hash {
		t.Fatalf("applying a coupon must change the fingerprint")
	}

	// Totals recomputation alone does not move the fingerprint.
	f.co.GetTotals(ctx, f.sess)
	c4, _ := f.co.GetContents(ctx, f.sess, false)
	if c3.Hash != c4.Hash {
		t.Fatalf("recompute must not change the fingerprint")
	}
}

func TestBatchAdd_SingleRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.co.BatchAdd(ctx, f.sess, []AddItemInput{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
		{ProductID: "ghost", Quantity: 1},
		{ProductID: "p2", Quantity: 99},
	})
	if err != nil {
		t.Fatalf("BatchAdd failed: %v", err)
	}

	if out.Added != 2 {
		t.Fatalf("expected 2 added, got %d", out.Added)
	}
	if out.Results[2].Code != CodeInvalidProduct {
		t.Fatalf("expected invalid_product on line 3, got %s", out.Results[2].Code)
	}
	if out.Results[3].Code != CodeInsufficientStock {
		t.Fatalf("expected insufficient_stock on line 4, got %s", out.Results[3].Code)
	}

	// Batch result equals the sequential result.
	want := dec("100.00").Mul(dec("2")).Add(dec("25.00")) // 225 net
	if !out.Totals.Subtotal.Equal(want) {
		t.Fatalf("expected subtotal %s, got %s", want, out.Totals.Subtotal)
	}

	// One recompute for the whole batch: the totals were computed once and
	// the next read is served clean.
	before := f.rates.lookups
	f.co.GetTotals(ctx, f.sess)
	if f.rates.lookups != before {
		t.Fatalf("batch must leave the cart clean, but totals recomputed")
	}
}

func TestCheckStatus_SurfacesStockDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item, _ := f.co.AddItem(ctx, f.sess, AddItemInput{ProductID: "p2", Quantity: 3})

	status, err := f.co.CheckStatus(ctx, f.sess)
	if err != nil {
		t.Fatalf("CheckStatus failed: %v", err)
	}
	if !status.Valid || !status.SessionValid {
		t.Fatalf("expected valid status, got %+v", status)
	}

	// Stock shrinks under the cart: platform sold 2 units elsewhere.
	f.cat.SetStock("p2", 1)

	status, _ = f.co.CheckStatus(ctx, f.sess)
	if status.Valid {
		t.Fatalf("expected stock issue after drift")
	}
	if len(status.StockIssues) != 1 || status.StockIssues[0].Key != item.Key {
		t.Fatalf("expected the p2 line flagged, got %+v", status.StockIssues)
	}

	// Status checks never mutate the cart.
	contents, _ := f.co.GetContents(ctx, f.sess, false)
	if contents.Items[0].Quantity != 3 {
		t.Fatalf("CheckStatus must not touch the cart")
	}
}
