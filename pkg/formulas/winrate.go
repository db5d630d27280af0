package formulas

import (
	"fmt"
	"sort"
	"time"
)

// CalculateDailyWinRate returns the fraction of strictly positive daily
// returns, or nil for an empty series.
func CalculateDailyWinRate(returns []float64) *float64 {
	if len(returns) == 0 {
		return nil
	}

	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}

	rate := float64(wins) / float64(len(returns))
	return &rate
}

// CalculateBucketedWinRate compounds daily returns into buckets keyed by
// keyFn (week, month, ...) and returns the fraction of buckets whose
// compounded return is strictly positive. Dates and returns must be
// aligned and chronological.
func CalculateBucketedWinRate(dates []time.Time, returns []float64, keyFn func(time.Time) string) *float64 {
	if len(returns) == 0 || len(dates) != len(returns) {
		return nil
	}

	buckets := compoundBuckets(dates, returns, keyFn)
	if len(buckets) == 0 {
		return nil
	}

	wins := 0
	for _, r := range buckets {
		if r > 0 {
			wins++
		}
	}

	rate := float64(wins) / float64(len(buckets))
	return &rate
}

// CalculateWeeklyWinRate buckets by ISO week.
func CalculateWeeklyWinRate(dates []time.Time, returns []float64) *float64 {
	return CalculateBucketedWinRate(dates, returns, isoWeekKey)
}

// CalculateMonthlyWinRate buckets by calendar month.
func CalculateMonthlyWinRate(dates []time.Time, returns []float64) *float64 {
	return CalculateBucketedWinRate(dates, returns, monthKey)
}

// CalculateMonthlyReturns compounds daily returns per calendar month,
// keyed "YYYY-MM".
func CalculateMonthlyReturns(dates []time.Time, returns []float64) map[string]float64 {
	if len(returns) == 0 || len(dates) != len(returns) {
		return map[string]float64{}
	}
	return compoundBuckets(dates, returns, monthKey)
}

// SortedMonthKeys returns the keys of a monthly-return map in calendar order.
func SortedMonthKeys(monthly map[string]float64) []string {
	keys := make([]string, 0, len(monthly))
	for k := range monthly {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compoundBuckets(dates []time.Time, returns []float64, keyFn func(time.Time) string) map[string]float64 {
	growth := make(map[string]float64)
	for i, r := range returns {
		key := keyFn(dates[i])
		if _, ok := growth[key]; !ok {
			growth[key] = 1
		}
		growth[key] *= 1 + r
	}

	out := make(map[string]float64, len(growth))
	for k, g := range growth {
		out[k] = g - 1
	}
	return out
}

func isoWeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}
