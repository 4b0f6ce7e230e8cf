package cart

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"poscart/internal/catalog"
	"poscart/internal/inventory"
	"poscart/internal/session"
	"poscart/internal/tax"
	"poscart/pkg/logging"
)

// Coordinator owns cart contents and orchestrates the inventory coordinator
// and tax engine on every mutation. Carts live inside their session's
// snapshot; each public method loads the cart, mutates a working copy, and
// persists only on success, so a failed call leaves the cart exactly as it
// was.
type Coordinator struct {
	sessions  *session.Store
	inventory *inventory.Coordinator
	taxes     *tax.Engine
	catalog   catalog.Store
	coupons   CouponLookup
	logger    *zap.Logger
	now       func() time.Time
}

func NewCoordinator(
	sessions *session.Store,
	inv *inventory.Coordinator,
	taxes *tax.Engine,
	cat catalog.Store,
	coupons CouponLookup,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		sessions:  sessions,
		inventory: inv,
		taxes:     taxes,
		catalog:   cat,
		coupons:   coupons,
		logger:    logger.Named("cart"),
		now:       time.Now,
	}
}

// AddItemInput is one line to add. Selections are the chosen variation
// attributes; identical selections merge into one line.
type AddItemInput struct {
	ProductID   string            `json:"product_id"`
	VariationID string            `json:"variation_id,omitempty"`
	Selections  map[string]string `json:"selections,omitempty"`
	Quantity    int               `json:"quantity"`
}

// AddItem validates the product and quantity against availability, merges
// with an existing line when the selection matches, and takes a best-effort
// stock hold. A hold that cannot be taken is logged, not fatal: the final
// stock check happens at checkout, matching the walk-in retail model.
func (co *Coordinator) AddItem(ctx context.Context, sess *session.Session, in AddItemInput) (*Item, error) {
	c, err := co.load(sess)
	if err != nil {
		return nil, err
	}

	item, err := co.addToCart(ctx, sess, c, in)
	if err != nil {
		return nil, err
	}

	c.markDirty()
	if err := co.persist(ctx, sess, c); err != nil {
		return nil, err
	}
	return item, nil
}

// addToCart performs the add against an in-memory cart without persisting,
// shared by AddItem and BatchAdd.
func (co *Coordinator) addToCart(ctx context.Context, sess *session.Session, c *Cart, in AddItemInput) (*Item, error) {
	if in.Quantity <= 0 {
		return nil, newError(CodeInvalidQuantity, "quantity must be positive")
	}

	product, err := co.catalog.GetProduct(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, newError(CodeInvalidProduct, "unknown product "+in.ProductID)
		}
		return nil, wrapError(CodeInternal, "catalog lookup failed", err)
	}
	if !product.Purchasable() {
		return nil, newError(CodeOutOfStock, product.Name+" is out of stock")
	}

	key := ItemKey(in.ProductID, in.VariationID, in.Selections)

	if existing, ok := c.Items[key]; ok {
		// Same selection: merge through the quantity-update path.
		return existing, co.changeQuantity(ctx, c, existing, existing.Quantity+in.Quantity, sess.TerminalID)
	}

	if err := co.checkAvailability(ctx, product, in.Quantity); err != nil {
		return nil, err
	}

	now := co.now()
	item := &Item{
		Key:         key,
		ProductID:   in.ProductID,
		VariationID: in.VariationID,
		Selections:  in.Selections,
		Name:        product.Name,
		Quantity:    in.Quantity,
		UnitPrice:   product.Price,
		TaxClass:    product.TaxClass,
		AddedAt:     now,
		UpdatedAt:   now,
	}

	// Best-effort hold; losing the race here is not fatal.
	res, err := co.inventory.Reserve(ctx, in.ProductID, in.Quantity, c.OrderKey, sess.TerminalID)
	if err != nil {
		logging.L(ctx).Warn("stock hold failed, adding item without one",
			zap.String("product_id", in.ProductID), zap.Error(err))
	} else if res != nil {
		item.ReservationID = res.ID
	}

	c.Items[key] = item
	return item, nil
}

// UpdateItemQuantity sets a line to newQuantity. Zero or less removes the
// line and releases its hold, the same as RemoveItem.
func (co *Coordinator) UpdateItemQuantity(ctx context.Context, sess *session.Session, key string, newQuantity int) error {
	if newQuantity <= 0 {
		return co.RemoveItem(ctx, sess, key)
	}

	c, err := co.load(sess)
	if err != nil {
		return err
	}

	item, ok := c.Items[key]
	if !ok {
		return newError(CodeItemNotFound, "no cart item with key "+key)
	}

	if err := co.changeQuantity(ctx, c, item, newQuantity, sess.TerminalID); err != nil {
		return err
	}

	c.markDirty()
	return co.persist(ctx, sess, c)
}

// changeQuantity re-validates availability for the new quantity and adjusts
// the linked hold by the delta. The cart copy is only mutated once every
// check has passed.
func (co *Coordinator) changeQuantity(ctx context.Context, c *Cart, item *Item, newQuantity int, owner string) error {
	delta := newQuantity - item.Quantity

	if item.ReservationID != "" {
		_, err := co.inventory.UpdateReservation(ctx, item.ReservationID, delta)
		switch {
		case err == nil:
			// hold follows the line
		case errors.Is(err, inventory.ErrInsufficientStock):
			return newError(CodeInsufficientStock, "not enough stock for "+item.Name)
		case errors.Is(err, inventory.ErrReservationNotFound):
			// The lease lapsed, so the delta means nothing anymore: the full
			// new quantity has to be re-proven by taking a fresh hold.
			item.ReservationID = ""
			res, rerr := co.inventory.Reserve(ctx, item.ProductID, newQuantity, c.OrderKey, owner)
			switch {
			case errors.Is(rerr, inventory.ErrInsufficientStock):
				return newError(CodeInsufficientStock, "not enough stock for "+item.Name)
			case rerr != nil:
				// The hold is best-effort, the availability check is not.
				logging.L(ctx).Warn("stock hold failed after lease lapse",
					zap.String("product_id", item.ProductID), zap.Error(rerr))
				product, perr := co.catalog.GetProduct(ctx, item.ProductID)
				if perr != nil {
					return wrapError(CodeInternal, "catalog lookup failed", perr)
				}
				if cerr := co.checkAvailability(ctx, product, newQuantity); cerr != nil {
					return cerr
				}
			case res != nil:
				item.ReservationID = res.ID
			}
		default:
			return wrapError(CodeInternal, "reservation update failed", err)
		}
	} else if delta > 0 {
		product, err := co.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			return wrapError(CodeInternal, "catalog lookup failed", err)
		}
		if err := co.checkAvailability(ctx, product, delta); err != nil {
			return err
		}
	}

	item.Quantity = newQuantity
	item.UpdatedAt = co.now()
	return nil
}

// checkAvailability is the synchronous validation gate for added quantity.
func (co *Coordinator) checkAvailability(ctx context.Context, product catalog.Product, quantity int) error {
	if !product.ManageStock {
		return nil
	}

	view, err := co.inventory.GetRealTimeStock(ctx, product.ID)
	if err != nil {
		return wrapError(CodeInternal, "stock check failed", err)
	}
	if view.AvailableStock < quantity {
		return newError(CodeInsufficientStock, "not enough stock for "+product.Name)
	}
	return nil
}

// RemoveItem releases the line's hold and drops the line.
func (co *Coordinator) RemoveItem(ctx context.Context, sess *session.Session, key string) error {
	c, err := co.load(sess)
	if err != nil {
		return err
	}

	item, ok := c.Items[key]
	if !ok {
		return newError(CodeItemNotFound, "no cart item with key "+key)
	}

	if item.ReservationID != "" {
		if err := co.inventory.Release(ctx, item.ReservationID); err != nil {
			return wrapError(CodeInternal, "reservation release failed", err)
		}
	}

	delete(c.Items, key)
	c.markDirty()
	return co.persist(ctx, sess, c)
}

// Clear releases every hold and resets the cart. An empty cart needs no
// recompute, so it comes back Clean.
func (co *Coordinator) Clear(ctx context.Context, sess *session.Session) error {
	c, err := co.load(sess)
	if err != nil {
		return err
	}

	if err := co.inventory.ReleaseByOrderKey(ctx, c.OrderKey); err != nil {
		return wrapError(CodeInternal, "reservation release failed", err)
	}

	fresh := newCart()
	fresh.Location = c.Location
	return co.persist(ctx, sess, fresh)
}

// ApplyCoupon validates the code and adds it to the applied set.
func (co *Coordinator) ApplyCoupon(ctx context.Context, sess *session.Session, code string) error {
	c, err := co.load(sess)
	if err != nil {
		return err
	}

	if c.hasCoupon(code) {
		return newError(CodeCouponAlreadyApplied, "coupon "+code+" is already applied")
	}

	if _, err := co.coupons.Lookup(ctx, code); err != nil {
		if errors.Is(err, ErrCouponNotFound) {
			return newError(CodeCouponInvalid, "coupon "+code+" is not valid")
		}
		return wrapError(CodeInternal, "coupon lookup failed", err)
	}

	c.Coupons = append(c.Coupons, code)
	c.markDirty()
	return co.persist(ctx, sess, c)
}

// RemoveCoupon drops an applied code; removing an absent code is a no-op.
func (co *Coordinator) RemoveCoupon(ctx context.Context, sess *session.Session, code string) error {
	c, err := co.load(sess)
	if err != nil {
		return err
	}

	kept := c.Coupons[:0]
	for _, applied := range c.Coupons {
		if applied != code {
			kept = append(kept, applied)
		}
	}
	if len(kept) == len(c.Coupons) {
		return nil
	}
	c.Coupons = kept
	c.markDirty()
	return co.persist(ctx, sess, c)
}

// SetLocation updates the customer location used for tax jurisdiction.
func (co *Coordinator) SetLocation(ctx context.Context, sess *session.Session, loc tax.Location) error {
	c, err := co.load(sess)
	if err != nil {
		return err
	}
	if c.Location == loc {
		return nil
	}
	c.Location = loc
	c.markDirty()
	return co.persist(ctx, sess, c)
}

// GetTotals returns the cart totals, recomputing them only when a mutation
// has happened since the last computation.
func (co *Coordinator) GetTotals(ctx context.Context, sess *session.Session) (Totals, error) {
	c, err := co.load(sess)
	if err != nil {
		return Totals{}, err
	}

	if c.State == Clean {
		return c.Totals, nil
	}

	co.recalculate(ctx, c)
	if err := co.persist(ctx, sess, c); err != nil {
		return Totals{}, err
	}
	return c.Totals, nil
}

// recalculate runs the tax engine, applies coupon discounts, clamps the
// final total at zero, and moves the state machine back to Clean.
func (co *Coordinator) recalculate(ctx context.Context, c *Cart) {
	if len(c.Items) == 0 {
		c.Totals = zeroTotals()
		c.State = Clean
		return
	}

	taxResult := co.taxes.CalculateCartTaxes(ctx, c.taxLines(), c.Location)
	if taxResult.Fallback {
		logging.L(ctx).Warn("tax engine degraded, totals are tax-free")
	}

	for key, lineTax := range taxResult.Lines {
		if item, ok := c.Items[key]; ok {
			item.LineSubtotal = lineTax.Subtotal
			item.LineTax = lineTax.Tax
		}
	}

	gross := taxResult.Subtotal.Add(taxResult.TaxTotal)
	discount := decimal.Zero
	for _, code := range c.Coupons {
		coupon, err := co.coupons.Lookup(ctx, code)
		if err != nil {
			// Validated at apply time; a code that has since died just stops
			// discounting.
			logging.L(ctx).Warn("applied coupon no longer resolves",
				zap.String("code", code), zap.Error(err))
			continue
		}
		discount = discount.Add(coupon.discountOn(gross))
	}

	total := gross.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	c.Totals = Totals{
		Subtotal:      taxResult.Subtotal,
		TaxTotal:      taxResult.TaxTotal,
		DiscountTotal: discount,
		Total:         total,
		Rates:         taxResult.Rates,
		TaxFallback:   taxResult.Fallback,
	}
	c.State = Clean
}

// Contents is the client-facing cart read.
type Contents struct {
	Items      []*Item  `json:"items"`
	Totals     Totals   `json:"totals"`
	Count      int      `json:"count"` // sum of quantities
	Hash       string   `json:"hash"`
	CustomerID string   `json:"customer_id,omitempty"`
	Coupons    []string `json:"coupons,omitempty"`
}

// GetContents returns the cart as the POS UI consumes it. With calculate set,
// stale totals are recomputed first.
func (co *Coordinator) GetContents(ctx context.Context, sess *session.Session, calculate bool) (Contents, error) {
	c, err := co.load(sess)
	if err != nil {
		return Contents{}, err
	}

	if calculate && c.State == Dirty {
		co.recalculate(ctx, c)
		if err := co.persist(ctx, sess, c); err != nil {
			return Contents{}, err
		}
	}

	items := make([]*Item, 0, len(c.Items))
	for _, item := range c.Items {
		items = append(items, item)
	}

	return Contents{
		Items:      items,
		Totals:     c.Totals,
		Count:      c.ItemCount(),
		Hash:       c.ContentHash(),
		CustomerID: sess.CustomerID,
		Coupons:    c.Coupons,
	}, nil
}

// BatchItemResult reports one line of a BatchAdd.
type BatchItemResult struct {
	Input AddItemInput `json:"input"`
	Key   string       `json:"key,omitempty"`
	Error string       `json:"error,omitempty"`
	Code  Code         `json:"code,omitempty"`
}

// BatchResult is the outcome of a BatchAdd: per-line results plus the single
// totals computation performed at the end.
type BatchResult struct {
	Results []BatchItemResult `json:"results"`
	Added   int               `json:"added"`
	Totals  Totals            `json:"totals"`
}

// BatchAdd processes all lines against one working copy, then recomputes
// totals and persists exactly once. Per-line failures are reported in the
// result, not fatal to the batch; the net effect equals adding the lines one
// by one.
func (co *Coordinator) BatchAdd(ctx context.Context, sess *session.Session, inputs []AddItemInput) (BatchResult, error) {
	c, err := co.load(sess)
	if err != nil {
		return BatchResult{}, err
	}

	out := BatchResult{Results: make([]BatchItemResult, 0, len(inputs))}
	for _, in := range inputs {
		r := BatchItemResult{Input: in}
		item, err := co.addToCart(ctx, sess, c, in)
		if err != nil {
			r.Error = err.Error()
			r.Code = CodeOf(err)
		} else {
			r.Key = item.Key
			out.Added++
		}
		out.Results = append(out.Results, r)
	}

	c.markDirty()
	co.recalculate(ctx, c)
	if err := co.persist(ctx, sess, c); err != nil {
		return BatchResult{}, err
	}
	out.Totals = c.Totals
	return out, nil
}

// StockIssue is one line whose availability no longer covers its quantity.
type StockIssue struct {
	Key       string `json:"key"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// Status is the pre-checkout validation result.
type Status struct {
	Valid        bool         `json:"valid"`
	SessionValid bool         `json:"session_valid"`
	StockIssues  []StockIssue `json:"stock_issues,omitempty"`
}

// CheckStatus re-validates every line against current, uncached stock and the
// session's liveness without mutating anything. Lines covered by their own
// active hold are fine even at zero general availability.
func (co *Coordinator) CheckStatus(ctx context.Context, sess *session.Session) (Status, error) {
	c, err := co.load(sess)
	if err != nil {
		return Status{}, err
	}

	status := Status{Valid: true, SessionValid: co.sessions.IsValid(sess)}
	if !status.SessionValid {
		status.Valid = false
	}

	for _, item := range c.Items {
		view, err := co.inventory.GetUncachedStock(ctx, item.ProductID)
		if err != nil {
			return Status{}, wrapError(CodeInternal, "stock check failed", err)
		}
		if !view.ManageStock {
			continue
		}

		// Availability excluding the line's own hold: what the shelf can
		// still cover for this line, before clamping.
		own := 0
		if item.ReservationID != "" {
			if res, active, err := co.inventory.ActiveReservation(ctx, item.ReservationID); err == nil && active {
				own = res.Quantity
			}
		}
		available := view.CurrentStock - (view.ReservedStock - own)
		if available < 0 {
			available = 0
		}

		if available < item.Quantity {
			status.Valid = false
			status.StockIssues = append(status.StockIssues, StockIssue{
				Key:       item.Key,
				ProductID: item.ProductID,
				Name:      item.Name,
				Requested: item.Quantity,
				Available: available,
			})
		}
	}
	return status, nil
}

func (co *Coordinator) load(sess *session.Session) (*Cart, error) {
	c, err := unmarshalCart(co.sessions.CartSnapshot(sess))
	if err != nil {
		return nil, wrapError(CodeInternal, "cart snapshot unreadable", err)
	}
	return c, nil
}

func (co *Coordinator) persist(ctx context.Context, sess *session.Session, c *Cart) error {
	raw, err := c.marshal()
	if err != nil {
		return wrapError(CodeInternal, "cart snapshot marshal failed", err)
	}
	if err := co.sessions.SetCartSnapshot(ctx, sess, raw); err != nil {
		return wrapError(CodeInternal, "cart snapshot persist failed", err)
	}
	return nil
}
