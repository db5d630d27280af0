package formulas

import (
	"math"
)

// CalculateSharpeRatio calculates the Sharpe ratio from daily returns.
//
// Sharpe Formula:
//
//	Sharpe = (Annual Return - Risk-free Rate) / Annualized Volatility
//	Annual Return = (1 + total)^(252/n) - 1
//
// Args:
//
//	returns: Array of daily returns
//	riskFreeRate: Risk-free rate (annual, as decimal, e.g., 0.03 for 3%)
//
// Returns:
//
//	Sharpe ratio or nil if volatility is zero / insufficient data
func CalculateSharpeRatio(returns []float64, riskFreeRate float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	volatility := AnnualizedVolatility(returns)
	if volatility == 0 {
		return nil
	}

	annual := AnnualizedReturn(CompoundReturn(returns), len(returns))
	sharpe := (annual - riskFreeRate) / volatility

	return &sharpe
}

// CalculateSortinoRatio calculates the Sortino ratio (downside deviation
// version of Sharpe). Only returns below zero contribute to the deviation.
//
// Sortino Formula:
//
//	Sortino = (Annual Return - Risk-free Rate) / (StdDev(r | r < 0) × sqrt(252))
//
// Returns nil when there is no downside at all; callers map that to their
// "no losing days" sentinel.
func CalculateSortinoRatio(returns []float64, riskFreeRate float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return nil
	}

	downsideDev := StdDev(downside) * math.Sqrt(TradingDaysPerYear)
	if downsideDev == 0 {
		return nil
	}

	annual := AnnualizedReturn(CompoundReturn(returns), len(returns))
	sortino := (annual - riskFreeRate) / downsideDev

	return &sortino
}

// CalculateCalmarRatio calculates annual return over the absolute maximum
// drawdown of the compounded curve. Returns nil when the curve never draws
// down (division by zero).
func CalculateCalmarRatio(returns []float64) *float64 {
	if len(returns) < 2 {
		return nil
	}

	values := make([]float64, len(returns)+1)
	values[0] = 1
	for i, r := range returns {
		values[i+1] = values[i] * (1 + r)
	}

	maxDD := CalculateMaxDrawdown(values)
	if maxDD == nil || *maxDD == 0 {
		return nil
	}

	annual := AnnualizedReturn(CompoundReturn(returns), len(returns))
	calmar := annual / math.Abs(*maxDD)

	return &calmar
}

// CalculateInformationRatio measures excess return per unit of tracking
// error against a benchmark return series of the same length:
//
//	IR = mean(r - r_bench) × 252 / (std(r - r_bench) × sqrt(252))
func CalculateInformationRatio(returns, benchmark []float64) *float64 {
	if len(returns) < 2 || len(returns) != len(benchmark) {
		return nil
	}

	excess := make([]float64, len(returns))
	for i := range returns {
		excess[i] = returns[i] - benchmark[i]
	}

	trackingError := StdDev(excess) * math.Sqrt(TradingDaysPerYear)
	if trackingError == 0 {
		return nil
	}

	ir := Mean(excess) * TradingDaysPerYear / trackingError
	return &ir
}
