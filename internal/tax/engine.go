package tax

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"poscart/internal/cache"
	"poscart/internal/catalog"
	"poscart/internal/metrics"
	"poscart/pkg/logging"
)

const resultGroup = "tax"

// Tax classes that short-circuit to zero tax.
const (
	ClassExempt   = "exempt"
	ClassZeroRate = "zero-rate"
)

type Config struct {
	// PricesIncludeTax is the store-wide mode: when true, unit prices are
	// tax-inclusive and tax is backed out of them; when false, tax is added
	// on top.
	PricesIncludeTax bool

	// RoundAtSubtotal rounds each rate's total once, after summing unrounded
	// line amounts. When false each line's tax is rounded independently.
	// Either way, rounding is half-up at two decimals.
	RoundAtSubtotal bool

	// ResultTTL bounds how long a cached result may be served (default: 3m).
	ResultTTL time.Duration
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 3 * time.Minute
	}
	return cfg
}

// Engine computes cart and product taxes. Rate resolution goes through the
// RateLookup collaborator; finished results are cached by a content hash of
// everything that feeds the computation, so an unchanged cart never pays for
// a recompute.
type Engine struct {
	rates   RateLookup
	catalog catalog.Store
	cache   *cache.Cache
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewEngine(rates RateLookup, cat catalog.Store, c *cache.Cache, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rates:   rates,
		catalog: cat,
		cache:   c,
		cfg:     cfg.WithDefaults(),
		metrics: m,
		logger:  logger.Named("tax"),
	}
}

// CalculateCartTaxes resolves rates for every line and aggregates totals. A
// failing rate lookup degrades to a zero-tax result with Fallback set rather
// than an error: the register must always be able to show a total.
func (e *Engine) CalculateCartTaxes(ctx context.Context, lines []Line, loc Location) Result {
	key := e.resultKey(lines, loc)

	if e.cache != nil {
		var cached Result
		if e.cache.Get(ctx, resultGroup, key, &cached) {
			if e.metrics != nil {
				e.metrics.TaxCacheHitsTotal.Inc()
			}
			return cached
		}
	}

	result := e.compute(ctx, lines, loc)

	if e.metrics != nil {
		e.metrics.TaxRecomputesTotal.Inc()
	}
	if e.cache != nil && !result.Fallback {
		e.cache.Set(ctx, resultGroup, key, result, e.cfg.ResultTTL)
	}
	return result
}

// ClearResults drops every cached tax result, e.g. after a settings change.
func (e *Engine) ClearResults(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Invalidate(ctx, resultGroup)
}

func (e *Engine) compute(ctx context.Context, lines []Line, loc Location) Result {
	result := Result{
		Subtotal:         decimal.Zero,
		TaxTotal:         decimal.Zero,
		Lines:            make(map[string]LineTax, len(lines)),
		PricesIncludeTax: e.cfg.PricesIncludeTax,
	}

	// Unrounded per-rate accumulation across lines; rounded at the end when
	// RoundAtSubtotal is on.
	rateTotals := make(map[string]*RateTotal)
	var rateOrder []string

	for _, line := range lines {
		amount := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))

		rates, err := e.resolveRates(ctx, line.TaxClass, loc)
		if err != nil {
			logging.L(ctx).Warn("tax rate lookup failed, degrading to zero tax",
				zap.String("tax_class", line.TaxClass), zap.Error(err))
			return e.fallback(lines)
		}

		lineTaxes := taxAmounts(amount, rates, e.cfg.PricesIncludeTax)

		lineTax := decimal.Zero
		for i, r := range rates {
			t := lineTaxes[i]
			if !e.cfg.RoundAtSubtotal {
				t = round(t)
			}
			lineTax = lineTax.Add(t)

			rt, ok := rateTotals[r.Name]
			if !ok {
				rt = &RateTotal{Name: r.Name, Rate: r.Rate}
				rateTotals[r.Name] = rt
				rateOrder = append(rateOrder, r.Name)
			}
			rt.Amount = rt.Amount.Add(t)
		}

		lineSubtotal := amount
		if e.cfg.PricesIncludeTax {
			lineSubtotal = amount.Sub(sum(lineTaxes))
		}
		result.Lines[line.Key] = LineTax{
			Subtotal: round(lineSubtotal),
			Tax:      round(lineTax),
		}
		result.Subtotal = result.Subtotal.Add(lineSubtotal)
	}

	sort.Strings(rateOrder)
	for _, name := range rateOrder {
		rt := rateTotals[name]
		if e.cfg.RoundAtSubtotal {
			rt.Amount = round(rt.Amount)
		}
		result.Rates = append(result.Rates, *rt)
		result.TaxTotal = result.TaxTotal.Add(rt.Amount)
	}
	result.Subtotal = round(result.Subtotal)
	result.TaxTotal = round(result.TaxTotal)

	return result
}

// resolveRates short-circuits exempt classes and sorts applicable rates into
// application order: non-compounding first, then compounding by priority.
func (e *Engine) resolveRates(ctx context.Context, taxClass string, loc Location) ([]Rate, error) {
	if taxClass == ClassExempt || taxClass == ClassZeroRate {
		return nil, nil
	}

	rates, err := e.rates.RatesFor(ctx, taxClass, loc)
	if err != nil {
		return nil, err
	}

	sorted := make([]Rate, len(rates))
	copy(sorted, rates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Compound != sorted[j].Compound {
			return !sorted[i].Compound
		}
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted, nil
}

// taxAmounts computes each rate's unrounded tax on amount, in the order the
// rates were given (non-compound first, then compound).
func taxAmounts(amount decimal.Decimal, rates []Rate, inclusive bool) []decimal.Decimal {
	out := make([]decimal.Decimal, len(rates))
	if len(rates) == 0 {
		return out
	}

	if !inclusive {
		// Non-compound rates all apply to the bare amount; each compound
		// rate then applies to the running total including prior tax.
		running := amount
		plainTax := decimal.Zero
		for i, r := range rates {
			if !r.Compound {
				out[i] = amount.Mul(r.Rate)
				plainTax = plainTax.Add(out[i])
			}
		}
		running = running.Add(plainTax)
		for i, r := range rates {
			if r.Compound {
				out[i] = running.Mul(r.Rate)
				running = running.Add(out[i])
			}
		}
		return out
	}

	// Inclusive mode: peel compound rates off in reverse application order,
	// then split the remainder across the non-compound rates.
	remaining := amount
	for i := len(rates) - 1; i >= 0; i-- {
		if !rates[i].Compound {
			continue
		}
		base := remaining.Div(decimal.NewFromInt(1).Add(rates[i].Rate))
		out[i] = remaining.Sub(base)
		remaining = base
	}

	plainSum := decimal.Zero
	for _, r := range rates {
		if !r.Compound {
			plainSum = plainSum.Add(r.Rate)
		}
	}
	if !plainSum.IsZero() {
		net := remaining.Div(decimal.NewFromInt(1).Add(plainSum))
		for i, r := range rates {
			if !r.Compound {
				out[i] = net.Mul(r.Rate)
			}
		}
	}
	return out
}

// fallback builds the degraded zero-tax result: full subtotal credit, no tax.
func (e *Engine) fallback(lines []Line) Result {
	result := Result{
		Subtotal:         decimal.Zero,
		TaxTotal:         decimal.Zero,
		Lines:            make(map[string]LineTax, len(lines)),
		PricesIncludeTax: e.cfg.PricesIncludeTax,
		Fallback:         true,
	}
	for _, line := range lines {
		amount := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		result.Lines[line.Key] = LineTax{Subtotal: round(amount), Tax: decimal.Zero}
		result.Subtotal = result.Subtotal.Add(amount)
	}
	result.Subtotal = round(result.Subtotal)
	return result
}

// CalculateProductTax is the single-item variant for display contexts. The
// product's tax class comes from the catalog.
func (e *Engine) CalculateProductTax(ctx context.Context, productID string, price decimal.Decimal, loc Location) (ProductTax, error) {
	product, err := e.catalog.GetProduct(ctx, productID)
	if err != nil {
		return ProductTax{}, fmt.Errorf("tax: catalog lookup: %w", err)
	}

	rates, err := e.resolveRates(ctx, product.TaxClass, loc)
	if err != nil {
		// Same degraded mode as the cart path.
		return ProductTax{
			TaxRate:           decimal.Zero,
			TaxAmount:         decimal.Zero,
			PriceIncludingTax: round(price),
			PriceExcludingTax: round(price),
		}, nil
	}

	amounts := taxAmounts(price, rates, e.cfg.PricesIncludeTax)
	taxAmount := round(sum(amounts))

	totalRate := decimal.Zero
	for _, r := range rates {
		totalRate = totalRate.Add(r.Rate)
	}

	out := ProductTax{TaxRate: totalRate, TaxAmount: taxAmount}
	if e.cfg.PricesIncludeTax {
		out.PriceIncludingTax = round(price)
		out.PriceExcludingTax = round(price.Sub(taxAmount))
	} else {
		out.PriceExcludingTax = round(price)
		out.PriceIncludingTax = round(price.Add(taxAmount))
	}
	return out, nil
}

// resultKey hashes everything that feeds the computation: lines (prices,
// quantities, classes), location, and the engine settings.
func (e *Engine) resultKey(lines []Line, loc Location) string {
	sorted := make([]Line, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	payload := struct {
		Lines            []Line   `json:"lines"`
		Location         Location `json:"location"`
		PricesIncludeTax bool     `json:"prices_include_tax"`
		RoundAtSubtotal  bool     `json:"round_at_subtotal"`
	}{sorted, loc, e.cfg.PricesIncludeTax, e.cfg.RoundAtSubtotal}

	body, err := json.Marshal(payload)
	if err != nil {
		// Cannot happen for these types; fall through with an empty body so
		// the computation still runs (it just won't cache-hit).
		body = nil
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// round is the engine's single rounding policy: half-up at two decimals.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func sum(ds []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}
