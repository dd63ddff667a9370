package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolRules holds the venue's rounding and minimum constraints for a symbol.
type SymbolRules struct {
	Symbol      string
	TickSize    float64 // price increment
	StepSize    float64 // quantity increment
	MinQty      float64
	MinNotional float64
}

// QuantizeQty floors qty to the step size. Float arithmetic on exchange
// filters is a known source of rejected orders, hence decimal.
func (r SymbolRules) QuantizeQty(qty float64) float64 {
	if r.StepSize <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(r.StepSize)
	q := decimal.NewFromFloat(qty)
	floored, _ := q.Div(step).Floor().Mul(step).Float64()
	return floored
}

// QuantizePrice floors price to the tick size.
func (r SymbolRules) QuantizePrice(price float64) float64 {
	if r.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(r.TickSize)
	p := decimal.NewFromFloat(price)
	floored, _ := p.Div(tick).Floor().Mul(tick).Float64()
	return floored
}

// Quantize applies both roundings and validates minimums.
func (r SymbolRules) Quantize(qty, price float64) (float64, float64, error) {
	q := r.QuantizeQty(qty)
	p := r.QuantizePrice(price)
	if q < r.MinQty {
		return q, p, fmt.Errorf("quantized qty %.8f below min qty %.8f for %s", q, r.MinQty, r.Symbol)
	}
	if r.MinNotional > 0 && q*p < r.MinNotional {
		return q, p, fmt.Errorf("notional %.8f below min %.8f for %s", q*p, r.MinNotional, r.Symbol)
	}
	return q, p, nil
}
