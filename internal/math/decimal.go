package math

import (
	"sort"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines the persisted precision of a quantity
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
}

var (
	// Standard configs
	WeightConfig = DecimalConfig{DecimalPrecision: 3} // 0.001 g
	MoneyConfig  = DecimalConfig{DecimalPrecision: 2} // 0.01 currency unit
	RateConfig   = DecimalConfig{DecimalPrecision: 4} // 0.0001 percent
)

type RoundingMode int

const (
	RoundHalfUp   RoundingMode = iota // Ledger default for weights and money
	RoundHalfEven                     // Banker's rounding
	RoundDown
	RoundUp
)

var hundred = decimal.NewFromInt(100)

// Round applies the config precision using the given mode.
// All ledger quantities are non-negative, so half-up equals half-away-from-zero.
func (c DecimalConfig) Round(v decimal.Decimal, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundHalfEven:
		return v.RoundBank(c.DecimalPrecision)
	case RoundDown:
		return v.RoundFloor(c.DecimalPrecision)
	case RoundUp:
		return v.RoundCeil(c.DecimalPrecision)
	default:
		return v.Round(c.DecimalPrecision)
	}
}

// IsExact reports whether v carries no digits beyond the config precision.
func (c DecimalConfig) IsExact(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(c.DecimalPrecision))
}

// RoundWeight rounds grams half-up to 3 decimals.
func RoundWeight(v decimal.Decimal) decimal.Decimal {
	return WeightConfig.Round(v, RoundHalfUp)
}

// RoundMoney rounds currency half-up to 2 decimals.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return MoneyConfig.Round(v, RoundHalfUp)
}

// Percent returns v * pct / 100 without rounding.
func Percent(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(hundred)
}

// ComputeAmount prices a weight at rate (per gram), rounded once to money precision.
func ComputeAmount(weight, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(weight.Mul(rate))
}

// ComputeWeight converts a value at rate (per gram) into grams, rounded once to weight precision.
func ComputeWeight(value, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return RoundWeight(value.Div(rate))
}

// SplitProportional divides total across weights so that the parts sum exactly
// to total. Each part is floored to the config precision and the leftover units
// go one at a time to the parts with the largest remainder, ties to the lower
// index. Parts are never negative for a non-negative total and weights.
func SplitProportional(total decimal.Decimal, weights []decimal.Decimal, cfg DecimalConfig) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return parts
	}

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	if sum.IsZero() {
		for i := range parts {
			parts[i] = decimal.Zero
		}
		parts[len(parts)-1] = total
		return parts
	}

	// remainder_i = total*w_i - floor_i*sum keeps the ranking exact.
	remainders := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		share := total.Mul(w)
		parts[i] = share.Div(sum).RoundFloor(cfg.DecimalPrecision)
		if parts[i].Mul(sum).GreaterThan(share) {
			parts[i] = parts[i].Sub(decimal.New(1, -cfg.DecimalPrecision))
		}
		remainders[i] = share.Sub(parts[i].Mul(sum))
		allocated = allocated.Add(parts[i])
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].GreaterThan(remainders[order[b]])
	})

	unit := decimal.New(1, -cfg.DecimalPrecision)
	leftover := total.Sub(allocated)
	for i := 0; leftover.GreaterThanOrEqual(unit); i = (i + 1) % len(order) {
		parts[order[i]] = parts[order[i]].Add(unit)
		leftover = leftover.Sub(unit)
	}
	if !leftover.IsZero() {
		// total carried digits beyond the precision
		parts[order[0]] = parts[order[0]].Add(leftover)
	}
	return parts
}
