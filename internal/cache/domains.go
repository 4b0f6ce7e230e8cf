package cache

import (
	"context"
	"time"
)

// Cache groups used by the POS core. Each wrapper fixes the group name and a
// default TTL suited to how volatile that data is.
const (
	GroupProducts   = "products"
	GroupCategories = "categories"
	GroupCustomers  = "customers"
	GroupStock      = "stock"
	GroupSearch     = "search"
)

const (
	productsTTL   = 10 * time.Minute
	categoriesTTL = 30 * time.Minute
	customersTTL  = 10 * time.Minute
	stockTTL      = 60 * time.Second // stock goes stale fast; see inventory
	searchTTL     = 2 * time.Minute
)

func (c *Cache) GetProduct(ctx context.Context, key string, dest any) bool {
	return c.Get(ctx, GroupProducts, key, dest)
}

func (c *Cache) SetProduct(ctx context.Context, key string, value any) bool {
	return c.Set(ctx, GroupProducts, key, value, productsTTL)
}

func (c *Cache) GetCategory(ctx context.Context, key string, dest any) bool {
	return c.Get(ctx, GroupCategories, key, dest)
}

func (c *Cache) SetCategory(ctx context.Context, key string, value any) bool {
	return c.Set(ctx, GroupCategories, key, value, categoriesTTL)
}

func (c *Cache) GetCustomer(ctx context.Context, key string, dest any) bool {
	return c.Get(ctx, GroupCustomers, key, dest)
}

func (c *Cache) SetCustomer(ctx context.Context, key string, value any) bool {
	return c.Set(ctx, GroupCustomers, key, value, customersTTL)
}

func (c *Cache) GetStock(ctx context.Context, key string, dest any) bool {
	return c.Get(ctx, GroupStock, key, dest)
}

func (c *Cache) SetStock(ctx context.Context, key string, value any) bool {
	return c.Set(ctx, GroupStock, key, value, stockTTL)
}

func (c *Cache) InvalidateStock(ctx context.Context, key string) error {
	return c.InvalidateKey(ctx, GroupStock, key)
}

func (c *Cache) GetSearch(ctx context.Context, key string, dest any) bool {
	return c.Get(ctx, GroupSearch, key, dest)
}

func (c *Cache) SetSearch(ctx context.Context, key string, value any) bool {
	return c.Set(ctx, GroupSearch, key, value, searchTTL)
}
