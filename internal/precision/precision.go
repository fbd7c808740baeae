// Package precision rounds order quantities and prices to exchange trading rules.
package precision

import (
	"github.com/shopspring/decimal"

	"tradebot-engine/internal/exchange"
)

// AdjustQuantity floors raw to a multiple of rules.StepSize and returns zero when the
// result falls below rules.MinQty or its notional at price falls below rules.MinNotional.
// A zero result means the order must not be placed. The function is pure.
func AdjustQuantity(raw float64, rules exchange.SymbolRules, price float64) float64 {
	if raw <= 0 {
		return 0
	}

	qty := decimal.NewFromFloat(raw)
	if rules.StepSize > 0 {
		step := decimal.NewFromFloat(rules.StepSize)
		qty = qty.Div(step).Floor().Mul(step)
	}

	if rules.MaxQty > 0 {
		maxQty := decimal.NewFromFloat(rules.MaxQty)
		if qty.GreaterThan(maxQty) {
			qty = maxQty
			if rules.StepSize > 0 {
				step := decimal.NewFromFloat(rules.StepSize)
				qty = qty.Div(step).Floor().Mul(step)
			}
		}
	}

	if !qty.IsPositive() {
		return 0
	}
	if rules.MinQty > 0 && qty.LessThan(decimal.NewFromFloat(rules.MinQty)) {
		return 0
	}
	if rules.MinNotional > 0 {
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(decimal.NewFromFloat(rules.MinNotional)) {
			return 0
		}
	}

	return qty.InexactFloat64()
}

// RoundPrice floors price to a multiple of tickSize
func RoundPrice(price, tickSize float64) float64 {
	if tickSize <= 0 || price <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(tickSize)
	return decimal.NewFromFloat(price).Div(tick).Floor().Mul(tick).InexactFloat64()
}

// Decimals returns the number of decimal places implied by a step or tick size
func Decimals(step float64) int32 {
	if step <= 0 {
		return 8
	}
	exp := decimal.NewFromFloat(step).Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}

// Format renders v with the decimal places implied by step, truncating extra digits
func Format(v, step float64) string {
	return decimal.NewFromFloat(v).Truncate(Decimals(step)).StringFixed(Decimals(step))
}
