package inventory

import (
	"context"

	"go.uber.org/zap"
)

// Order lifecycle hooks. The host platform's order machinery invokes these on
// status transitions; the coordinator only manages holds, never the
// authoritative stock numbers.
//
// pending      -> reserve the order's lines
// processing   -> release (the platform has decremented stock by now)
// completed    -> release
// cancelled    -> release
//
// Releasing on processing/completed before the platform decrement would open
// an oversell window, so the hooks fire after the platform's own handling.

// HandleOrderPending places holds for every line of a newly pending order.
// Lines that cannot be reserved are logged and skipped; the order itself went
// through the platform's final stock check already.
func (c *Coordinator) HandleOrderPending(ctx context.Context, orderKey, owner string, lines map[string]int) {
	for productID, qty := range lines {
		if _, err := c.Reserve(ctx, productID, qty, orderKey, owner); err != nil {
			c.logger.Warn("order pending: reserve failed",
				zap.String("order_key", orderKey),
				zap.String("product_id", productID),
				zap.Int("quantity", qty),
				zap.Error(err),
			)
		}
	}
}

// HandleOrderProcessing releases the order's holds; the platform has already
// decremented authoritative stock.
func (c *Coordinator) HandleOrderProcessing(ctx context.Context, orderKey string) error {
	return c.ReleaseByOrderKey(ctx, orderKey)
}

// HandleOrderCompleted releases the order's holds.
func (c *Coordinator) HandleOrderCompleted(ctx context.Context, orderKey string) error {
	return c.ReleaseByOrderKey(ctx, orderKey)
}

// HandleOrderCancelled releases the order's holds; the units go straight back
// to availability.
func (c *Coordinator) HandleOrderCancelled(ctx context.Context, orderKey string) error {
	return c.ReleaseByOrderKey(ctx, orderKey)
}
