package screener

import (
	"math"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"gonum.org/v1/gonum/stat"
)

// Stats carries the per-symbol history facts the filter consumes.
type Stats struct {
	DataDays      int
	AvgTurnover20 float64
	AvgAmount20   float64
}

// StatsFromPanels derives filter inputs from the close, turnover_rate
// and amount panels as of their last row. DataDays counts the bars a
// symbol actually traded; the averages are means over the trailing
// LiquidityWindow rows, skipping days without a bar. Panels are
// expected to share one date axis, as frames from a single dataset do.
func StatsFromPanels(closes, turnover, amount *panel.Frame) map[string]Stats {
	out := make(map[string]Stats, closes.NumSymbols())
	for _, sym := range closes.Symbols() {
		out[sym] = Stats{
			DataDays:      countValid(closes.Column(sym)),
			AvgTurnover20: trailingMean(columnOf(turnover, sym), LiquidityWindow),
			AvgAmount20:   trailingMean(columnOf(amount, sym), LiquidityWindow),
		}
	}
	return out
}

// BuildCandidates assembles filter inputs for each symbol. Symbols
// without metadata get a zero record; symbols without stats get zero
// history and fall out at the data-availability layer.
func BuildCandidates(symbols []string, metas map[string]domain.SecurityMeta, stats map[string]Stats) []Candidate {
	out := make([]Candidate, 0, len(symbols))
	for _, sym := range symbols {
		c := Candidate{
			Symbol:        sym,
			Meta:          metas[sym],
			AvgTurnover20: math.NaN(),
			AvgAmount20:   math.NaN(),
		}
		if st, ok := stats[sym]; ok {
			c.DataDays = st.DataDays
			c.AvgTurnover20 = st.AvgTurnover20
			c.AvgAmount20 = st.AvgAmount20
		}
		out = append(out, c)
	}
	return out
}

func columnOf(f *panel.Frame, symbol string) []float64 {
	if f == nil || !f.HasSymbol(symbol) {
		return nil
	}
	return f.Column(symbol)
}

func countValid(col []float64) int {
	n := 0
	for _, v := range col {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

func trailingMean(col []float64, window int) float64 {
	start := len(col) - window
	if start < 0 {
		start = 0
	}
	valid := make([]float64, 0, window)
	for _, v := range col[start:] {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return math.NaN()
	}
	return stat.Mean(valid, nil)
}
