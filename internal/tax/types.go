package tax

import (
	"context"

	"github.com/shopspring/decimal"
)

// Location identifies the tax jurisdiction of the sale.
type Location struct {
	Country  string `json:"country"`
	State    string `json:"state"`
	Postcode string `json:"postcode"`
	City     string `json:"city"`
}

// Rate is one applicable tax rate. Compound rates apply on top of a base that
// already includes the non-compound tax, in priority order.
type Rate struct {
	Name     string          `json:"name"`
	Rate     decimal.Decimal `json:"rate"` // fraction, e.g. 0.10 for 10%
	Compound bool            `json:"compound"`
	Priority int             `json:"priority"`
}

// RateLookup is the jurisdiction database collaborator. The real
// implementation lives in the host platform.
type RateLookup interface {
	RatesFor(ctx context.Context, taxClass string, loc Location) ([]Rate, error)
}

// Line is one cart line as the engine sees it: identity, class, and the
// amounts that drive the computation. UnitPrice is tax-inclusive or
// -exclusive depending on the engine's configured mode.
type Line struct {
	Key       string          `json:"key"`
	ProductID string          `json:"product_id"`
	TaxClass  string          `json:"tax_class"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// RateTotal aggregates one rate's amount across the whole cart.
type RateTotal struct {
	Name   string          `json:"name"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// LineTax is the per-line allocation of the result.
type LineTax struct {
	Subtotal decimal.Decimal `json:"subtotal"` // tax-exclusive
	Tax      decimal.Decimal `json:"tax"`
}

// Result is the full tax computation for a cart. Fallback marks a degraded
// zero-tax result produced when the rate lookup was unavailable; totals are
// still usable for display.
type Result struct {
	Subtotal         decimal.Decimal    `json:"subtotal"` // tax-exclusive
	TaxTotal         decimal.Decimal    `json:"tax_total"`
	Rates            []RateTotal        `json:"rates"`
	Lines            map[string]LineTax `json:"lines"`
	PricesIncludeTax bool               `json:"prices_include_tax"`
	Fallback         bool               `json:"fallback,omitempty"`
}

// ProductTax is the single-item result used by display/lookup contexts.
type ProductTax struct {
	TaxRate           decimal.Decimal `json:"tax_rate"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	PriceIncludingTax decimal.Decimal `json:"price_including_tax"`
	PriceExcludingTax decimal.Decimal `json:"price_excluding_tax"`
}
