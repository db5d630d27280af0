package backtest

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"github.com/hualei/quantdesk/internal/signal"
)

// RunPortfolio simulates a basket task: composition follows the signal
// generator's buy set rather than a period calendar. The book trades
// only on days the set changes, sizing every member to an equal slice
// of the previous day's portfolio value in whole lots.
func (e *Engine) RunPortfolio(ctx context.Context, task domain.Task, data signal.PanelSource, universe []string) (*Result, error) {
	if len(universe) == 0 {
		return nil, domain.NewError(domain.ErrCodeEmptyUniverse,
			"task %s: no symbols to trade", task.Name)
	}
	window, err := windowDates(data, task.StartDate, task.EndDate)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeMissingData, err,
			"task %s: empty trading window", task.Name)
	}
	closes, err := data.Column("close")
	if err != nil {
		return nil, err
	}

	// Lot rounding is uniform here; T+1 still follows the task flag.
	acct := newAccount(task.InitialCapital, e.feeModel(task), true, task.AShareMode)
	track := newTracker(len(window))

	lastPrice := make(map[string]float64, len(universe))
	priceOf := func(sym string) float64 { return lastPrice[sym] }

	prevSet := map[string]bool{}
	prevValue := task.InitialCapital

	for i, date := range window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sym := range universe {
			if v := closes.Value(date, sym); v > 0 && !math.IsNaN(v) {
				lastPrice[sym] = v
			}
		}
		if _, perr := time.Parse("2006-01-02", date); perr != nil {
			return nil, domain.WrapError(domain.ErrCodeCorruptCurve, perr,
				"task %s: malformed trading date %q", task.Name, date)
		}

		sigs, err := e.gen.Evaluate(task, data, universe, acct.heldSymbols(), date)
		if err != nil {
			return nil, err
		}
		current := domain.BuySet(sigs)
		if !sameSet(current, prevSet) {
			e.rebalancePortfolio(task, acct, current, date, settleDate(window, i), closes, prevValue)
		}
		prevSet = current

		value := acct.marketValue(priceOf)
		buys, sells := acct.dayFlows()
		if err := track.Append(date, value, buys, sells); err != nil {
			return nil, err
		}
		prevValue = value
	}

	res := &Result{
		Task:        task,
		Type:        domain.BacktestPortfolio,
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
		Msg("Portfolio backtest complete")
	return res, nil
}

// rebalancePortfolio trades the book to an equal-weight basket of the
// target set. Leavers liquidate first to free cash, then stayers sell
// down to their lot-rounded target, then buys fill in symbol order. A
// buy the remaining cash cannot cover is skipped, not partially filled.
func (e *Engine) rebalancePortfolio(task domain.Task, acct *account, targetSet map[string]bool, date, settle string, closes *panel.Frame, value float64) {
	todayPrice := func(sym string) float64 {
		if v := closes.Value(date, sym); v > 0 && !math.IsNaN(v) {
			return v
		}
		return 0
	}

	for _, sym := range acct.heldSymbols() {
		if targetSet[sym] {
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
	if len(targetSet) == 0 {
		return
	}

	symbols := make([]string, 0, len(targetSet))
	for sym := range targetSet {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	weight := 1 / float64(len(targetSet))

	targetShares := func(sym string, p float64) float64 {
		return math.Floor(value*weight/p/RoundLot) * RoundLot
	}

	for _, sym := range symbols {
		p := todayPrice(sym)
		if p <= 0 {
			continue
		}
		if current := acct.sharesOf(sym); current > targetShares(sym, p) {
			acct.sell(date, sym, p, current-targetShares(sym, p))
		}
	}
	for _, sym := range symbols {
		p := todayPrice(sym)
		if p <= 0 {
			e.log.Debug().Str("task", task.Name).Str("symbol", sym).Str("date", date).
				Msg("No quote to open position, skipping")
			continue
		}
		want := targetShares(sym, p)
		current := acct.sharesOf(sym)
		if want <= current {
			continue
		}
		if !acct.buyShares(date, sym, p, want-current, settle) {
			e.log.Warn().Str("task", task.Name).Str("symbol", sym).Str("date", date).
				Float64("shares", want-current).Float64("cash", acct.cash).
				Msg("Buy skipped, cash cannot cover target size")
		}
	}
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
