package cart

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"poscart/internal/tax"
)

// RecalcState is the cart's dirty-flag state machine. Totals are trustworthy
// iff the state is Clean; any mutation to items, coupons or location moves it
// to Dirty, and the next totals read recomputes and moves it back.
type RecalcState string

const (
	Clean RecalcState = "clean"
	Dirty RecalcState = "dirty"
)

// Item is one cart line. Price and tax fields are derived during totals
// recomputation, never authoritative.
type Item struct {
	Key          string            `json:"key"`
	ProductID    string            `json:"product_id"`
	VariationID  string            `json:"variation_id,omitempty"`
	Selections   map[string]string `json:"selections,omitempty"`
	Name         string            `json:"name"`
	Quantity     int               `json:"quantity"`
	UnitPrice    decimal.Decimal   `json:"unit_price"`
	TaxClass     string            `json:"tax_class"`
	LineSubtotal decimal.Decimal   `json:"line_subtotal"`
	LineTax      decimal.Decimal   `json:"line_tax"`

	// ReservationID links the line to its stock hold, when one exists.
	ReservationID string `json:"reservation_id,omitempty"`

	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemKey derives the line's identity from what the cashier selected, not
// from quantity or price, so adding the same selection twice merges into one
// line.
func ItemKey(productID, variationID string, selections map[string]string) string {
	h := sha256.New()
	h.Write([]byte(productID))
	h.Write([]byte{0})
	h.Write([]byte(variationID))

	names := make([]string, 0, len(selections))
	for name := range selections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(selections[name]))
	}

	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Totals is the derived money state of the cart.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"` // tax-exclusive
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	Total         decimal.Decimal `json:"total"`
	Rates         []tax.RateTotal `json:"rates,omitempty"`
	TaxFallback   bool            `json:"tax_fallback,omitempty"`
}

func zeroTotals() Totals {
	return Totals{
		Subtotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		Total:         decimal.Zero,
	}
}

// Cart is the full per-session cart state, serialized into the session's
// cart snapshot. It is owned by exactly one session and never shared.
type Cart struct {
	OrderKey string           `json:"order_key"` // correlates stock holds
	Items    map[string]*Item `json:"items"`
	Coupons  []string         `json:"coupons,omitempty"`
	Location tax.Location     `json:"location"`
	Totals   Totals           `json:"totals"`
	State    RecalcState      `json:"state"`
}

func newCart() *Cart {
	return &Cart{
		OrderKey: "pos-" + uuid.NewString(),
		Items:    make(map[string]*Item),
		Totals:   zeroTotals(),
		State:    Clean,
	}
}

func (c *Cart) markDirty() { c.State = Dirty }

// ItemCount is the sum of all quantities, not the number of distinct lines.
func (c *Cart) ItemCount() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

func (c *Cart) hasCoupon(code string) bool {
	for _, applied := range c.Coupons {
		if applied == code {
			return true
		}
	}
	return false
}

// ContentHash fingerprints items and coupons so clients can cheaply detect
// change. Quantity is part of the fingerprint; derived totals are not.
func (c *Cart) ContentHash() string {
	keys := make([]string, 0, len(c.Items))
	for k := range c.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		item := c.Items[k]
		fmt.Fprintf(h, "%s:%d;", k, item.Quantity)
	}

	coupons := make([]string, len(c.Coupons))
	copy(coupons, c.Coupons)
	sort.Strings(coupons)
	for _, code := range coupons {
		fmt.Fprintf(h, "c:%s;", code)
	}

	return hex.EncodeToString(h.Sum(nil))[:32]
}

// taxLines projects the cart into the tax engine's input.
func (c *Cart) taxLines() []tax.Line {
	lines := make([]tax.Line, 0, len(c.Items))
	for _, item := range c.Items {
		lines = append(lines, tax.Line{
			Key:       item.Key,
			ProductID: item.ProductID,
			TaxClass:  item.TaxClass,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return lines
}

func (c *Cart) marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("cart marshal: %w", err)
	}
	return raw, nil
}

func unmarshalCart(raw json.RawMessage) (*Cart, error) {
	if len(raw) == 0 {
		return newCart(), nil
	}
	var c Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("cart unmarshal: %w", err)
	}
	if c.Items == nil {
		c.Items = make(map[string]*Item)
	}
	if c.OrderKey == "" {
		c.OrderKey = "pos-" + uuid.NewString()
	}
	return &c, nil
}
