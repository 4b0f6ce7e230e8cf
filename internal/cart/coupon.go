package cart

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrCouponNotFound is what a Lookup returns for an unknown or inactive code.
var ErrCouponNotFound = errors.New("cart: coupon not found")

type CouponType string

const (
	CouponPercent CouponType = "percent" // Amount is a percentage of the gross
	CouponFixed   CouponType = "fixed"   // Amount is an absolute discount
)

// Coupon is the validated discount the lookup collaborator resolves a code
// to.
type Coupon struct {
	Code   string          `json:"code"`
	Type   CouponType      `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

// discountOn computes the coupon's discount against a gross amount.
func (c Coupon) discountOn(gross decimal.Decimal) decimal.Decimal {
	switch c.Type {
	case CouponPercent:
		return gross.Mul(c.Amount).Div(decimal.NewFromInt(100)).Round(2)
	case CouponFixed:
		return c.Amount.Round(2)
	default:
		return decimal.Zero
	}
}

// CouponLookup is the coupon validation collaborator; the host platform owns
// coupon storage and rules.
type CouponLookup interface {
	Lookup(ctx context.Context, code string) (Coupon, error)
}

// MemoryCoupons backs dev setups and tests.
type MemoryCoupons struct {
	coupons map[string]Coupon
}

func NewMemoryCoupons(coupons ...Coupon) *MemoryCoupons {
	m := &MemoryCoupons{coupons: make(map[string]Coupon, len(coupons))}
	for _, c := range coupons {
		m.coupons[c.Code] = c
	}
	return m
}

func (m *MemoryCoupons) Lookup(_ context.Context, code string) (Coupon, error) {
	c, ok := m.coupons[code]
	if !ok {
		return Coupon{}, ErrCouponNotFound
	}
	return c, nil
}
