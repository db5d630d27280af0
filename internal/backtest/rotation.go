package backtest

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"github.com/hualei/quantdesk/internal/signal"
)

// buyHeadroom scales buy targets so commission never overdraws cash.
// Fee-free tasks invest in full; the reserve exists only to keep the
// cash check from rejecting the last buy by the fee amount.
const buyHeadroom = 0.99

func headroomFor(task domain.Task) float64 {
	if task.CommissionRate == 0 && task.CommissionSchedule == "" {
		return 1
	}
	return buyHeadroom
}

// farFuture locks lots bought on the final bar.
const farFuture = "9999-12-31"

// Engine simulates tasks against preloaded factor panels. It holds no
// per-run state and is safe to share across goroutines.
type Engine struct {
	log     zerolog.Logger
	gen     *signal.Generator
	schedV1 FeeSchedule
	schedV2 FeeSchedule
}

// NewEngine creates a backtest engine with the default fee brackets.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log:     log.With().Str("component", "backtest").Logger(),
		gen:     signal.NewGenerator(log),
		schedV1: DefaultScheduleV1,
		schedV2: DefaultScheduleV2,
	}
}

// WithSchedules overrides the named commission schedules, normally from
// configuration.
func (e *Engine) WithSchedules(v1, v2 FeeSchedule) *Engine {
	e.schedV1, e.schedV2 = v1, v2
	return e
}

// Result is the raw outcome of one simulation. Metric assembly into a
// report happens in a second step so a failed run can still persist a
// coded report.
type Result struct {
	Task        domain.Task
	Type        domain.BacktestType
	Curve       []domain.EquityPoint
	Benchmark   []domain.EquityPoint
	Trades      []domain.Trade
	Holdings    map[string]domain.Holding
	FinalValue  float64
	AvgTurnover float64
}

// target is one symbol the next holding period should own, in buy
// priority order.
type target struct {
	symbol string
	weight float64
}

// RunRotation simulates a rotation task. On every scheduled rebalance
// the selection matrix picks the member set, the ranker truncates it,
// and the book is traded to the target weights at the day's close.
func (e *Engine) RunRotation(ctx context.Context, task domain.Task, data signal.PanelSource, universe []string) (*Result, error) {
	if len(universe) == 0 {
		return nil, domain.NewError(domain.ErrCodeEmptyUniverse,
			"task %s: no symbols to trade", task.Name)
	}
	window, err := windowDates(data, task.StartDate, task.EndDate)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeMissingData, err,
			"task %s: empty trading window", task.Name)
	}

	selected, err := e.selectSignal(task, data, universe)
	if err != nil {
		return nil, err
	}
	closes, err := data.Column("close")
	if err != nil {
		return nil, err
	}
	var ranker *panel.Frame
	if task.OrderBySignal != "" {
		if ranker, err = data.Get(task.OrderBySignal); err != nil {
			return nil, err
		}
	}

	acct := newAccount(task.InitialCapital, e.feeModel(task), task.AShareMode, task.AShareMode)
	track := newTracker(len(window))
	sched := newSchedule(task)

	// Valuation prices carry forward over suspension gaps; trades only
	// ever execute at a concrete same-day close.
	lastPrice := make(map[string]float64, len(universe))
	priceOf := func(sym string) float64 { return lastPrice[sym] }

	for i, date := range window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sym := range universe {
			if v := closes.Value(date, sym); v > 0 && !math.IsNaN(v) {
				lastPrice[sym] = v
			}
		}

		day, perr := time.Parse("2006-01-02", date)
		if perr != nil {
			return nil, domain.WrapError(domain.ErrCodeCorruptCurve, perr,
				"task %s: malformed trading date %q", task.Name, date)
		}
		if sched.due(day, i == len(window)-1) {
			targets := e.selectTargets(task, selected, ranker, date)
			e.rebalance(task, acct, targets, date, settleDate(window, i), closes, priceOf)
		}

		buys, sells := acct.dayFlows()
		if err := track.Append(date, acct.marketValue(priceOf), buys, sells); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Task:        task,
		Type:        domain.BacktestRotation,
		Curve:       track.Curve(),
		Trades:      acct.trades,
		Holdings:    acct.holdings(),
		FinalValue:  track.Values()[len(track.Values())-1],
		AvgTurnover: track.AvgTurnover(),
	}
	if task.Benchmark != "" {
		res.Benchmark = e.benchmarkCurve(ctx, task, data)
	}

	e.log.Info().
		Str("task", task.Name).
		Str("start", window[0]).
		Str("end", window[len(window)-1]).
		Int("trading_days", len(window)).
		Int("trades", len(res.Trades)).
		Float64("final_value", res.FinalValue).
		Msg("Rotation backtest complete")
	return res, nil
}

// selectSignal builds the rotation membership matrix over the full date
// axis: buy conditions set 1, sell conditions override to 0, and days
// where neither fires keep the prior state through a forward fill.
// Leading gaps resolve to unselected. A task with no buy conditions
// starts fully selected, which is how the benchmark buy-and-hold leg
// is phrased.
func (e *Engine) selectSignal(task domain.Task, data signal.PanelSource, universe []string) (*panel.Frame, error) {
	dates := data.Dates()

	frame := panel.NewFilled("select_signal", dates, universe, 1)
	if len(task.SelectBuy) > 0 {
		frames, err := exprFrames(data, task.SelectBuy)
		if err != nil {
			return nil, err
		}
		need := len(task.SelectBuy)
		if task.BuyAtLeastCount > 0 {
			need = task.BuyAtLeastCount
		}
		frame = panel.New("select_signal", dates, universe)
		markWhere(frame, dates, universe, frames, need, 1)
	}

	if len(task.SelectSell) > 0 {
		frames, err := exprFrames(data, task.SelectSell)
		if err != nil {
			return nil, err
		}
		need := task.SellAtLeastCount
		if need < 1 {
			need = 1
		}
		markWhere(frame, dates, universe, frames, need, 0)
	}

	return frame.ForwardFill().FillNaN(0), nil
}

// markWhere writes value into every cell where at least need of the
// condition frames are truthy.
func markWhere(dst *panel.Frame, dates, universe []string, conditions []*panel.Frame, need int, value float64) {
	for _, date := range dates {
		for _, sym := range universe {
			n := 0
			for _, f := range conditions {
				if truthyCell(f.Value(date, sym)) {
					n++
				}
			}
			if n >= need {
				dst.Set(date, sym, value)
			}
		}
	}
}

func exprFrames(data signal.PanelSource, exprs []string) ([]*panel.Frame, error) {
	out := make([]*panel.Frame, len(exprs))
	for i, expr := range exprs {
		f, err := data.Get(expr)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func truthyCell(v float64) bool {
	return !math.IsNaN(v) && v != 0
}

// selectTargets ranks the selected set of the day and sizes weights.
// Under a ranker, NaN scores drop out, the first drop_n survivors are
// skipped and the next top_k kept (top_k 0 keeps all); without one the
// whole set passes in symbol order.
func (e *Engine) selectTargets(task domain.Task, selected, ranker *panel.Frame, date string) []target {
	var syms []string
	for _, sym := range selected.Symbols() {
		if selected.Value(date, sym) == 1 {
			syms = append(syms, sym)
		}
	}

	if ranker != nil {
		type scored struct {
			symbol string
			score  float64
		}
		ranked := make([]scored, 0, len(syms))
		for _, sym := range syms {
			if v := ranker.Value(date, sym); !math.IsNaN(v) {
				ranked = append(ranked, scored{symbol: sym, score: v})
			}
		}
		desc := task.RankDescending()
		slices.SortFunc(ranked, func(a, b scored) int {
			if a.score != b.score {
				if (a.score > b.score) == desc {
					return -1
				}
				return 1
			}
			return strings.Compare(a.symbol, b.symbol)
		})
		if task.OrderByDropN >= len(ranked) {
			ranked = nil
		} else {
			ranked = ranked[task.OrderByDropN:]
		}
		if task.OrderByTopK > 0 && len(ranked) > task.OrderByTopK {
			ranked = ranked[:task.OrderByTopK]
		}
		syms = syms[:0]
		for _, r := range ranked {
			syms = append(syms, r.symbol)
		}
	} else {
		slices.Sort(syms)
	}

	if len(syms) == 0 {
		return nil
	}
	out := make([]target, 0, len(syms))
	switch task.Weight {
	case domain.WeighFixed:
		for _, sym := range syms {
			if w := task.FixedWeights[sym]; w > 0 {
				out = append(out, target{symbol: sym, weight: w})
			}
		}
	default:
		w := 1 / float64(len(syms))
		for _, sym := range syms {
			out = append(out, target{symbol: sym, weight: w})
		}
	}
	return out
}

// rebalance trades the book to the target weights. Sells always run
// before buys so freed cash can fund them: positions leaving the set
// close first, overweight stayers sell down, then buys fill in target
// priority order with commission headroom.
func (e *Engine) rebalance(task domain.Task, acct *account, targets []target, date, settle string, closes *panel.Frame, priceOf func(string) float64) {
	todayPrice := func(sym string) float64 {
		if v := closes.Value(date, sym); v > 0 && !math.IsNaN(v) {
			return v
		}
		return 0
	}
	inTarget := make(map[string]bool, len(targets))
	for _, tgt := range targets {
		inTarget[tgt.symbol] = true
	}
	total := acct.marketValue(priceOf)
	headroom := headroomFor(task)

	for _, sym := range acct.heldSymbols() {
		if inTarget[sym] {
			continue
		}
		p := todayPrice(sym)
		if p <= 0 {
			e.log.Debug().Str("task", task.Name).Str("symbol", sym).Str("date", date).
				Msg("No quote to close position, holding over")
			continue
		}
		acct.sellAll(date, sym, p)
	}

	for _, tgt := range targets {
		p := todayPrice(tgt.symbol)
		if p <= 0 {
			continue
		}
		current := acct.sharesOf(tgt.symbol) * p
		want := tgt.weight * total
		if current > want {
			acct.sell(date, tgt.symbol, p, (current-want)/p)
		}
	}

	for _, tgt := range targets {
		p := todayPrice(tgt.symbol)
		if p <= 0 {
			e.log.Debug().Str("task", task.Name).Str("symbol", tgt.symbol).Str("date", date).
				Msg("No quote to open position, skipping")
			continue
		}
		amount := tgt.weight*headroom*total - acct.sharesOf(tgt.symbol)*p
		if amount <= 0 || acct.roundShares(amount/p) <= 0 {
			continue
		}
		if !acct.buy(date, tgt.symbol, p, amount, settle) {
			e.log.Warn().Str("task", task.Name).Str("symbol", tgt.symbol).Str("date", date).
				Float64("amount", amount).Float64("cash", acct.cash).
				Msg("Buy not filled, cash short of target")
		}
	}
}

// benchmarkCurve replays the window as buy-and-hold on the benchmark
// symbol through the same engine. A failing benchmark degrades to a
// missing curve rather than failing the task.
func (e *Engine) benchmarkCurve(ctx context.Context, task domain.Task, data signal.PanelSource) []domain.EquityPoint {
	bench := task
	bench.Name = task.Name + ":benchmark"
	bench.Symbols = []string{task.Benchmark}
	bench.Benchmark = ""
	bench.SelectBuy, bench.SelectSell = nil, nil
	bench.OrderBySignal = ""
	bench.OrderByTopK, bench.OrderByDropN = 0, 0
	bench.Period = domain.PeriodRunOnce
	bench.PeriodDays = 0
	bench.RunOnLastDate = false
	bench.Weight = domain.WeighEqually
	bench.FixedWeights = nil

	res, err := e.RunRotation(ctx, bench, data, bench.Symbols)
	if err != nil {
		e.log.Warn().Err(err).
			Str("task", task.Name).
			Str("benchmark", task.Benchmark).
			Msg("Benchmark replay failed, relative metrics unavailable")
		return nil
	}
	return res.Curve
}

// windowDates slices the cache's date axis to the task window.
func windowDates(data signal.PanelSource, start, end string) ([]string, error) {
	all := data.Dates()
	lo := sort.SearchStrings(all, start)
	hi := sort.Search(len(all), func(i int) bool { return all[i] > end })
	if lo >= hi {
		return nil, domain.NewError(domain.ErrCodeMissingData,
			"no trading days between %s and %s", start, end)
	}
	return all[lo:hi], nil
}

// settleDate returns the first day a lot bought at window[i] may sell.
func settleDate(window []string, i int) string {
	if i+1 < len(window) {
		return window[i+1]
	}
	return farFuture
}
