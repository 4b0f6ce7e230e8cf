package inventory

import "context"

// StockStatusReport groups products by how close they are to selling out,
// for the inventory dashboard.
type StockStatusReport struct {
	OutOfStock []StockView `json:"out_of_stock"`
	LowStock   []StockView `json:"low_stock"`
	InStock    []StockView `json:"in_stock"`
	Unmanaged  []StockView `json:"unmanaged"`
}

// GetStockStatusReport computes fresh (uncached) views for the given products
// and buckets them by severity.
func (c *Coordinator) GetStockStatusReport(ctx context.Context, productIDs []string) (StockStatusReport, error) {
	var report StockStatusReport

	for _, id := range productIDs {
		view, err := c.computeStockView(ctx, id)
		if err != nil {
			return StockStatusReport{}, err
		}

		switch {
		case !view.ManageStock:
			report.Unmanaged = append(report.Unmanaged, view)
		case view.AvailableStock <= 0:
			report.OutOfStock = append(report.OutOfStock, view)
		case view.IsLowStock:
			report.LowStock = append(report.LowStock, view)
		default:
			report.InStock = append(report.InStock, view)
		}
	}
	return report, nil
}
