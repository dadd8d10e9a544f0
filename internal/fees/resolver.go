// Package fees resolves an agent's discount percentage for a transaction and
// splits an amount into fee and net.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/wakala/agentsettle/internal/domain"
)

// Source tells which rate table produced a percentage.
type Source string

const (
	SourcePointOfSale Source = "point_of_sale"
	SourceFlat        Source = "flat"
	SourceDefault     Source = "default"
)

var hundred = decimal.NewFromInt(100)

// Resolve returns the discount percentage for (agent, pointOfSale, method).
// The per point of sale table wins, the legacy flat table is the fallback and
// a missing rate resolves to 0.
func Resolve(agent domain.Agent, pointOfSale, method string) decimal.Decimal {
	pct, _ := ResolveWithSource(agent, pointOfSale, method)
	return pct
}

func ResolveWithSource(agent domain.Agent, pointOfSale, method string) (decimal.Decimal, Source) {
	if rates, ok := agent.DiscountRatesByPointOfSale[pointOfSale]; ok {
		if pct, ok := rates[method]; ok {
			return clamp(pct), SourcePointOfSale
		}
	}
	if pct, ok := agent.DiscountRates[method]; ok {
		return clamp(pct), SourceFlat
	}
	return decimal.Zero, SourceDefault
}

// Compute splits amount into fee and net. The fee is rounded half away from
// zero to a whole currency unit, so 0 <= fee <= amount for any percentage in
// [0,100] and non-negative amount.
func Compute(amount int64, pct decimal.Decimal) (fee, net int64) {
	if amount <= 0 {
		return 0, amount
	}
	raw := decimal.NewFromInt(amount).Mul(clamp(pct)).Div(hundred)
	fee = raw.Round(0).IntPart()
	if fee > amount {
		fee = amount
	}
	return fee, amount - fee
}

// Breakdown is the resolved fee for one amount.
type Breakdown struct {
	Percentage decimal.Decimal
	Source     Source
	Fee        int64
	Net        int64
}

// For resolves the agent's percentage and applies it to amount.
func For(agent domain.Agent, pointOfSale, method string, amount int64) Breakdown {
	pct, src := ResolveWithSource(agent, pointOfSale, method)
	fee, net := Compute(amount, pct)
	return Breakdown{Percentage: pct, Source: src, Fee: fee, Net: net}
}

// clamp keeps stored data that slipped past validation inside [0,100].
func clamp(pct decimal.Decimal) decimal.Decimal {
	if pct.IsNegative() {
		return decimal.Zero
	}
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
