// Package catalog defines the interface to the commerce platform's product
// store. The POS core only consumes it; the real implementation lives in the
// host platform. An in-memory implementation is provided for dev and tests.
package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("catalog: product not found")

type StockStatus string

const (
	StockInStock    StockStatus = "instock"
	StockOutOfStock StockStatus = "outofstock"
	StockBackorder  StockStatus = "onbackorder"
)

// Product is the slice of the platform's product record the POS core needs.
type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	TaxClass      string          `json:"tax_class"` // "" is the standard class
	ManageStock   bool            `json:"manage_stock"`
	StockQuantity int             `json:"stock_quantity"`
	StockStatus   StockStatus     `json:"stock_status"`
	LowStockAt    int             `json:"low_stock_at"` // threshold for the low-stock flag
	CategoryIDs   []string        `json:"category_ids"`
}

// Purchasable reports whether the product can be sold at all, independent of
// quantity on hand.
func (p Product) Purchasable() bool {
	return p.StockStatus != StockOutOfStock || !p.ManageStock
}

// Store is the read-side catalog contract.
type Store interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

// MemoryStore backs dev setups and tests.
type MemoryStore struct {
	products map[string]Product
}

func NewMemoryStore(products ...Product) *MemoryStore {
	m := &MemoryStore{products: make(map[string]Product, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (Product, error) {
	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// Put adds or replaces a product.
func (m *MemoryStore) Put(p Product) {
	m.products[p.ID] = p
}

// SetStock adjusts quantity on hand, flipping the status at zero.
func (m *MemoryStore) SetStock(id string, qty int) {
	p, ok := m.products[id]
	if !ok {
		return
	}
	p.StockQuantity = qty
	if qty <= 0 && p.ManageStock {
		p.StockStatus = StockOutOfStock
	} else {
		p.StockStatus = StockInStock
	}
	m.products[id] = p
}
