// Package signal turns strategy declarations into daily buy/sell/hold
// recommendations. The generator evaluates one task against the factor
// panels for a single target date; the service fans tasks out across a
// worker pool and merges the per-task results.
package signal

import (
	"math"
	"slices"
	"strings"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"github.com/rs/zerolog"
)

// PanelSource is the slice of the factor cache the generator reads:
// evaluated expression panels, raw columns and the date axis.
type PanelSource interface {
	Get(expr string) (*panel.Frame, error)
	Column(name string) (*panel.Frame, error)
	Dates() []string
}

// Generator evaluates one task for one target date.
type Generator struct {
	log zerolog.Logger
}

// NewGenerator creates a generator.
func NewGenerator(log zerolog.Logger) *Generator {
	return &Generator{log: log.With().Str("component", "signal_generator").Logger()}
}

// pick is one ranked buy survivor.
type pick struct {
	symbol string
	score  *float64
	rank   int // 1-based under a ranker, 0 otherwise
}

// Evaluate produces the signal set of a task for the target date.
// universe is the filtered evaluation universe, held the symbols the
// strategy currently owns. An empty universe is a quiet no-op day, not
// an error.
func (g *Generator) Evaluate(task domain.Task, data PanelSource, universe, held []string, date string) ([]domain.Signal, error) {
	if len(universe) == 0 {
		g.log.Info().Str("task", task.Name).Str("date", date).Msg("Empty universe, no signals today")
		return nil, nil
	}
	if !slices.Contains(data.Dates(), date) {
		return nil, domain.NewError(domain.ErrCodeMissingData,
			"task %s: no bars for target date %s", task.Name, date)
	}

	buySet, err := g.buyCandidates(task, data, universe, date)
	if err != nil {
		return nil, err
	}
	sellSet, err := g.sellCandidates(task, data, universe, date)
	if err != nil {
		return nil, err
	}

	// A firing sell condition deselects the symbol before ranking, the
	// same override order the rotation engine applies.
	for sym := range sellSet {
		delete(buySet, sym)
	}

	picks, err := g.rankBuys(task, data, buySet, date)
	if err != nil {
		return nil, err
	}

	signals, err := g.emit(task, data, picks, held, sellSet, date)
	if err != nil {
		return nil, err
	}

	g.log.Debug().
		Str("task", task.Name).
		Str("date", date).
		Int("universe", len(universe)).
		Int("buy_candidates", len(buySet)).
		Int("sell_candidates", len(sellSet)).
		Int("signals", len(signals)).
		Msg("Task evaluated")
	return signals, nil
}

// buyCandidates applies the select_buy conditions at the target date.
// With no conditions declared, a ranker selects from the whole universe
// and the absence of both means no buys at all.
func (g *Generator) buyCandidates(task domain.Task, data PanelSource, universe []string, date string) (map[string]bool, error) {
	set := make(map[string]bool, len(universe))
	if len(task.SelectBuy) == 0 {
		if task.OrderBySignal != "" {
			for _, sym := range universe {
				set[sym] = true
			}
		}
		return set, nil
	}

	counts, err := g.conditionCounts(task.SelectBuy, data, universe, date)
	if err != nil {
		return nil, err
	}

	need := len(task.SelectBuy)
	if task.BuyAtLeastCount > 0 {
		need = max(task.BuyAtLeastCount, 1)
	}
	for sym, n := range counts {
		if n >= need {
			set[sym] = true
		}
	}
	return set, nil
}

func (g *Generator) sellCandidates(task domain.Task, data PanelSource, universe []string, date string) (map[string]bool, error) {
	set := make(map[string]bool)
	if len(task.SelectSell) == 0 {
		return set, nil
	}

	counts, err := g.conditionCounts(task.SelectSell, data, universe, date)
	if err != nil {
		return nil, err
	}
	for sym, n := range counts {
		if n >= task.SellAtLeastCount {
			set[sym] = true
		}
	}
	return set, nil
}

// conditionCounts evaluates each expression and counts, per symbol, how
// many conditions hold at the target date. NaN cells count as false.
func (g *Generator) conditionCounts(exprs []string, data PanelSource, universe []string, date string) (map[string]int, error) {
	counts := make(map[string]int, len(universe))
	for _, expr := range exprs {
		frame, err := data.Get(expr)
		if err != nil {
			return nil, err
		}
		for _, sym := range universe {
			if truthy(frame.Value(date, sym)) {
				counts[sym]++
			}
		}
	}
	return counts, nil
}

// rankBuys orders the buy candidates. Under a ranker, candidates with a
// NaN score drop out, the first drop_n survivors are skipped and the
// next top_k kept (top_k 0 keeps all); without one, candidates pass
// through unranked in symbol order.
func (g *Generator) rankBuys(task domain.Task, data PanelSource, candidates map[string]bool, date string) ([]pick, error) {
	if task.OrderBySignal == "" {
		syms := make([]string, 0, len(candidates))
		for sym := range candidates {
			syms = append(syms, sym)
		}
		slices.Sort(syms)
		out := make([]pick, len(syms))
		for i, sym := range syms {
			out[i] = pick{symbol: sym}
		}
		return out, nil
	}

	frame, err := data.Get(task.OrderBySignal)
	if err != nil {
		return nil, err
	}

	out := make([]pick, 0, len(candidates))
	for sym := range candidates {
		v := frame.Value(date, sym)
		if math.IsNaN(v) {
			continue
		}
		score := v
		out = append(out, pick{symbol: sym, score: &score})
	}

	desc := task.RankDescending()
	slices.SortFunc(out, func(a, b pick) int {
		if *a.score != *b.score {
			if (*a.score > *b.score) == desc {
				return -1
			}
			return 1
		}
		return strings.Compare(a.symbol, b.symbol)
	})

	if task.OrderByDropN >= len(out) {
		return nil, nil
	}
	out = out[task.OrderByDropN:]
	if task.OrderByTopK > 0 && len(out) > task.OrderByTopK {
		out = out[:task.OrderByTopK]
	}
	for i := range out {
		out[i].rank = i + 1
	}
	return out, nil
}

// emit turns picks and holdings into the final ordered signal set.
func (g *Generator) emit(task domain.Task, data PanelSource, picks []pick, held []string, sellSet map[string]bool, date string) ([]domain.Signal, error) {
	closes, err := data.Column("close")
	if err != nil {
		return nil, err
	}
	priceAt := func(sym string) float64 {
		if v := closes.Value(date, sym); !math.IsNaN(v) {
			return v
		}
		return 0
	}

	signals := make([]domain.Signal, 0, len(picks)+len(held))
	bought := make(map[string]bool, len(picks))
	for _, p := range picks {
		bought[p.symbol] = true
		signals = append(signals, domain.Signal{
			Symbol:     p.symbol,
			Kind:       domain.SignalBuy,
			Date:       date,
			Price:      priceAt(p.symbol),
			Rank:       p.rank,
			Score:      p.score,
			Strategies: []string{task.Name},
		})
	}

	sold := make(map[string]bool, len(held))
	for _, sym := range held {
		if !sellSet[sym] || sold[sym] {
			continue
		}
		sold[sym] = true
		signals = append(signals, domain.Signal{
			Symbol:     sym,
			Kind:       domain.SignalSell,
			Date:       date,
			Price:      priceAt(sym),
			Strategies: []string{task.Name},
		})
	}

	seenHold := make(map[string]bool, len(held))
	for _, sym := range held {
		if sold[sym] || bought[sym] || seenHold[sym] {
			continue
		}
		seenHold[sym] = true
		signals = append(signals, domain.Signal{
			Symbol:     sym,
			Kind:       domain.SignalHold,
			Date:       date,
			Price:      priceAt(sym),
			Strategies: []string{task.Name},
		})
	}

	domain.SortSignals(signals)
	return signals, nil
}

func truthy(v float64) bool {
	return !math.IsNaN(v) && v != 0
}
