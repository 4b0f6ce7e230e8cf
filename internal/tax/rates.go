package tax

import "context"

// MemoryRates backs dev setups and tests. Rates are keyed by tax class only;
// location scoping belongs to the host platform's jurisdiction database.
type MemoryRates struct {
	rates map[string][]Rate
}

func NewMemoryRates(rates map[string][]Rate) *MemoryRates {
	if rates == nil {
		rates = make(map[string][]Rate)
	}
	return &MemoryRates{rates: rates}
}

func (m *MemoryRates) RatesFor(_ context.Context, taxClass string, _ Location) ([]Rate, error) {
	return m.rates[taxClass], nil
}
