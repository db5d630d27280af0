package backtest

import (
	"math"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/pkg/formulas"
)

// turnoverWindow is the rolling span, in trading days, over which
// traded amounts are related to portfolio value.
const turnoverWindow = 20

// tracker accumulates the daily equity curve and the per-day traded
// amounts. Dates must arrive strictly increasing; a repeated or
// out-of-order date corrupts every downstream metric, so it is
// rejected instead of silently merged.
type tracker struct {
	curve  []domain.EquityPoint
	flows  []float64
	values []float64
}

func newTracker(capacity int) *tracker {
	return &tracker{
		curve:  make([]domain.EquityPoint, 0, capacity),
		flows:  make([]float64, 0, capacity),
		values: make([]float64, 0, capacity),
	}
}

// Append records one completed trading day.
func (t *tracker) Append(date string, value, buys, sells float64) error {
	if n := len(t.curve); n > 0 && date <= t.curve[n-1].Date {
		return domain.NewError(domain.ErrCodeCorruptCurve,
			"equity date %q does not advance past %q", date, t.curve[n-1].Date)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return domain.NewError(domain.ErrCodeCorruptCurve, "non-finite equity on %s", date)
	}
	t.curve = append(t.curve, domain.EquityPoint{Date: date, Value: value})
	t.flows = append(t.flows, buys+sells)
	t.values = append(t.values, value)
	return nil
}

// Curve returns the recorded equity points.
func (t *tracker) Curve() []domain.EquityPoint {
	return t.curve
}

// Values returns the raw equity values aligned with Curve.
func (t *tracker) Values() []float64 {
	return t.values
}

// AvgTurnover is the mean of the rolling turnover series. Each day's
// figure divides the traded amount of the trailing window by twice the
// average portfolio value over the same window, so a full one-way
// rotation of the book counts as 1.0.
func (t *tracker) AvgTurnover() float64 {
	series := t.turnoverSeries()
	if len(series) == 0 {
		return 0
	}
	return formulas.Mean(series)
}

func (t *tracker) turnoverSeries() []float64 {
	n := len(t.flows)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i - turnoverWindow + 1
		if lo < 0 {
			lo = 0
		}
		flow, value := 0.0, 0.0
		for j := lo; j <= i; j++ {
			flow += t.flows[j]
			value += t.values[j]
		}
		if value > 0 {
			out[i] = flow / (2 * (value / float64(i-lo+1)))
		}
	}
	return out
}
