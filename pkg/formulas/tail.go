package formulas

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// CalculateVaR calculates the historical Value at Risk of a daily return
// series at the given confidence level (e.g. 0.95). The result is the
// return at the (1−confidence) empirical percentile, typically negative.
//
// Returns nil for an empty series or a confidence outside (0, 1).
func CalculateVaR(returns []float64, confidence float64) *float64 {
	if len(returns) == 0 || confidence <= 0 || confidence >= 1 {
		return nil
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	v := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	return &v
}

// CalculateCVaR calculates the Conditional Value at Risk (expected
// shortfall): the mean of all returns at or below VaR(confidence).
func CalculateCVaR(returns []float64, confidence float64) *float64 {
	varAt := CalculateVaR(returns, confidence)
	if varAt == nil {
		return nil
	}

	var sum float64
	var count int
	for _, r := range returns {
		if r <= *varAt {
			sum += r
			count++
		}
	}
	if count == 0 {
		return varAt
	}

	cvar := sum / float64(count)
	return &cvar
}
