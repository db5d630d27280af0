package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/pkg/logger"
)

func barsWithVolume(sym string, dates []string, close float64, vols []float64) []domain.Bar {
	out := make([]domain.Bar, len(dates))
	for i, d := range dates {
		out[i] = domain.Bar{
			Symbol: sym, Date: d,
			Open: close, High: close, Low: close, Close: close,
			Volume: vols[i], Amount: close * vols[i], TurnoverRate: 1,
		}
	}
	return out
}

func TestRunPortfolioRebalancesOnlyWhenTheSetChanges(t *testing.T) {
	dates := tradingDays("2024-04-01", 9)
	s1, s2, s3 := "510050.SH", "510300.SH", "510500.SH"
	// Membership rotates every three days: {s1,s2} then {s2,s3} then {s3,s1}.
	in, out := 1000.0, 100.0
	vols := map[string][]float64{
		s1: {in, in, in, out, out, out, in, in, in},
		s2: {in, in, in, in, in, in, out, out, out},
		s3: {out, out, out, in, in, in, in, in, in},
	}
	var bars []domain.Bar
	for _, sym := range []string{s1, s2, s3} {
		bars = append(bars, barsWithVolume(sym, dates, 10, vols[sym])...)
	}
	task := domain.Task{
		Name:           "basket",
		Symbols:        []string{s1, s2, s3},
		StartDate:      dates[0],
		EndDate:        dates[len(dates)-1],
		SelectBuy:      []string{"volume > 500"},
		InitialCapital: 1_000_000,
	}
	task.ApplyDefaults()
	cache := loadedCache(t, bars, task)

	res, err := NewEngine(logger.Nop()).RunPortfolio(context.Background(), task, cache, task.Symbols)
	require.NoError(t, err)

	require.Len(t, res.Trades, 6, "two entries plus one swap per membership change")
	wantTrades := []struct {
		date   string
		symbol string
		action domain.TradeAction
	}{
		{dates[0], s1, domain.TradeBuy},
		{dates[0], s2, domain.TradeBuy},
		{dates[3], s1, domain.TradeSell},
		{dates[3], s3, domain.TradeBuy},
		{dates[6], s2, domain.TradeSell},
		{dates[6], s1, domain.TradeBuy},
	}
	for i, want := range wantTrades {
		assert.Equal(t, want.date, res.Trades[i].Date, "trade %d date", i)
		assert.Equal(t, want.symbol, res.Trades[i].Symbol, "trade %d symbol", i)
		assert.Equal(t, want.action, res.Trades[i].Action, "trade %d action", i)
		assert.InDelta(t, 50_000.0, res.Trades[i].Shares, 1e-9,
			"equal halves of a million at 10 CNY are 500 lots")
	}

	assert.Equal(t, domain.BacktestPortfolio, res.Type)
	assert.ElementsMatch(t, []string{s1, s3}, keysOf(res.Holdings))
	assert.InDelta(t, 1_000_000, res.FinalValue, 1e-6, "flat prices and zero fees conserve capital")
	assert.Greater(t, res.AvgTurnover, 0.0, "three trading days leave a turnover trail")
	assert.Len(t, res.Curve, len(dates))
}

func TestRunPortfolioSkipsBuysTheCashCannotCover(t *testing.T) {
	dates := tradingDays("2024-04-01", 5)
	s1, s2 := "510050.SH", "510300.SH"
	vols := []float64{1000, 1000, 1000, 1000, 1000}
	bars := append(barsWithVolume(s1, dates, 10, vols), barsWithVolume(s2, dates, 10, vols)...)
	task := domain.Task{
		Name:           "tight_cash",
		Symbols:        []string{s1, s2},
		StartDate:      dates[0],
		EndDate:        dates[len(dates)-1],
		SelectBuy:      []string{"volume > 500"},
		CommissionRate: 0.01,
		InitialCapital: 1_000_000,
	}
	task.ApplyDefaults()
	cache := loadedCache(t, bars, task)

	res, err := NewEngine(logger.Nop()).RunPortfolio(context.Background(), task, cache, task.Symbols)
	require.NoError(t, err, "an unaffordable leg is skipped, not fatal")

	require.Len(t, res.Trades, 1, "the second leg never fits after the first leg's fee")
	assert.Equal(t, s1, res.Trades[0].Symbol)
	assert.ElementsMatch(t, []string{s1}, keysOf(res.Holdings))
	assert.InDelta(t, 995_000, res.FinalValue, 1e-6)
}

func TestRunPortfolioHoldsThroughQuoteGaps(t *testing.T) {
	dates := tradingDays("2024-04-01", 4)
	s1 := "510050.SH"
	bars := []domain.Bar{
		{Symbol: s1, Date: dates[0], Open: 10, High: 10, Low: 10, Close: 10, Volume: 1000, Amount: 10_000},
		{Symbol: s1, Date: dates[1], Open: 10, High: 10, Low: 10, Close: 10, Volume: 1000, Amount: 10_000},
		// dates[2] is missing: the symbol is suspended.
		{Symbol: s1, Date: dates[3], Open: 12, High: 12, Low: 12, Close: 12, Volume: 1000, Amount: 12_000},
	}
	other := barsWithVolume("510300.SH", dates, 10, []float64{100, 100, 100, 100})
	task := domain.Task{
		Name:           "suspension",
		Symbols:        []string{s1, "510300.SH"},
		StartDate:      dates[0],
		EndDate:        dates[len(dates)-1],
		SelectBuy:      []string{"volume > 500"},
		InitialCapital: 1_000_000,
	}
	task.ApplyDefaults()
	cache := loadedCache(t, append(bars, other...), task)

	res, err := NewEngine(logger.Nop()).RunPortfolio(context.Background(), task, cache, task.Symbols)
	require.NoError(t, err)

	require.NotEmpty(t, res.Curve)
	mid := res.Curve[2].Value
	assert.Greater(t, mid, 0.0, "a suspended day reprices at the last known close instead of zero")
	assert.InDelta(t, res.Curve[1].Value, mid, 1e-6, "carried prices keep the curve flat through the gap")
	assert.Greater(t, res.FinalValue, mid, "the reopened price marks the book back up")
}

func keysOf(m map[string]domain.Holding) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
