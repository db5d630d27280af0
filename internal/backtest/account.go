package backtest

import (
	"math"
	"sort"

	"github.com/hualei/quantdesk/internal/domain"
)

// RoundLot is the exchange board lot. Share quantities in ashare_mode
// are rounded down to whole multiples of it, uniformly for stocks and
// ETFs.
const RoundLot = 100

// lot is one purchase parcel. earliestSell implements T+1: shares
// bought today cannot leave the book before the next trading day.
type lot struct {
	shares       float64
	earliestSell string // "" = sellable immediately
}

type position struct {
	shares  float64
	avgCost float64
	lots    []lot
}

// account tracks cash and holdings through one simulation. It enforces
// round lots and T+1 when asked to, prices fees through the cost model
// and records every fill. The same instance is reused across days; the
// engines only mutate it.
type account struct {
	cash      float64
	positions map[string]*position
	fees      costModel
	roundLots bool
	tPlusOne  bool

	trades   []domain.Trade
	dayBuys  float64
	daySells float64
}

func newAccount(initialCapital float64, fees costModel, roundLots, tPlusOne bool) *account {
	return &account{
		cash:      initialCapital,
		positions: make(map[string]*position, 16),
		fees:      fees,
		roundLots: roundLots,
		tPlusOne:  tPlusOne,
	}
}

func (a *account) roundShares(shares float64) float64 {
	if shares <= 0 || math.IsNaN(shares) {
		return 0
	}
	if a.roundLots {
		return math.Floor(shares/RoundLot) * RoundLot
	}
	return shares
}

// sellable returns the shares of symbol unlockable on date.
func (a *account) sellable(symbol, date string) float64 {
	pos, ok := a.positions[symbol]
	if !ok {
		return 0
	}
	if !a.tPlusOne {
		return pos.shares
	}
	free := 0.0
	for _, l := range pos.lots {
		if l.earliestSell <= date {
			free += l.shares
		}
	}
	return free
}

// buy spends up to amount on symbol at price. earliestSell stamps the
// new lot for T+1. Returns false without mutating when the amount is
// too small for a lot or cash cannot cover cost plus fees.
func (a *account) buy(date, symbol string, price, amount float64, earliestSell string) bool {
	if amount <= 0 {
		return false
	}
	return a.buyShares(date, symbol, price, amount/price, earliestSell)
}

// buyShares fills an exact share quantity, for callers that size their
// own lots. The same lot rounding and cash check as buy apply.
func (a *account) buyShares(date, symbol string, price, shares float64, earliestSell string) bool {
	if price <= 0 || math.IsNaN(price) {
		return false
	}
	shares = a.roundShares(shares)
	if shares <= 0 {
		return false
	}
	cost := shares * price
	fee := a.fees.BuyFee(cost)
	if cost+fee > a.cash+1e-9 {
		return false
	}

	a.cash -= cost + fee
	pos, ok := a.positions[symbol]
	if !ok {
		pos = &position{}
		a.positions[symbol] = pos
	}
	pos.avgCost = (pos.avgCost*pos.shares + cost) / (pos.shares + shares)
	pos.shares += shares
	if a.tPlusOne {
		pos.lots = append(pos.lots, lot{shares: shares, earliestSell: earliestSell})
	}

	a.dayBuys += cost
	a.trades = append(a.trades, domain.Trade{
		Date: date, Symbol: symbol, Action: domain.TradeBuy,
		Shares: shares, Price: price, Amount: cost, Fee: fee,
	})
	return true
}

// sell disposes up to shares of symbol at price, capped by the T+1
// sellable quantity. Partial sells round down to whole lots; a full
// close takes the exact remainder. avg_cost is preserved unless the
// position closes completely.
func (a *account) sell(date, symbol string, price, shares float64) bool {
	pos, ok := a.positions[symbol]
	if !ok || price <= 0 || math.IsNaN(price) || shares <= 0 {
		return false
	}
	free := a.sellable(symbol, date)
	if shares > free {
		shares = free
	}
	if shares < pos.shares {
		shares = a.roundShares(shares)
	}
	if shares <= 0 {
		return false
	}

	proceeds := shares * price
	fee := a.fees.SellFee(proceeds)
	a.cash += proceeds - fee
	a.consumeLots(pos, shares, date)
	pos.shares -= shares
	if pos.shares <= 1e-9 {
		delete(a.positions, symbol)
	}

	a.daySells += proceeds
	a.trades = append(a.trades, domain.Trade{
		Date: date, Symbol: symbol, Action: domain.TradeSell,
		Shares: shares, Price: price, Amount: proceeds, Fee: fee,
	})
	return true
}

// sellAll closes the sellable part of a position at price.
func (a *account) sellAll(date, symbol string, price float64) bool {
	return a.sell(date, symbol, price, a.sellable(symbol, date))
}

// consumeLots retires shares from unlocked lots, oldest first.
func (a *account) consumeLots(pos *position, shares float64, date string) {
	if !a.tPlusOne {
		return
	}
	remaining := shares
	kept := pos.lots[:0]
	for _, l := range pos.lots {
		if remaining > 0 && l.earliestSell <= date {
			take := math.Min(l.shares, remaining)
			l.shares -= take
			remaining -= take
		}
		if l.shares > 1e-9 {
			kept = append(kept, l)
		}
	}
	pos.lots = kept
}

// sharesOf returns the open share count of symbol, zero when flat.
func (a *account) sharesOf(symbol string) float64 {
	if pos, ok := a.positions[symbol]; ok {
		return pos.shares
	}
	return 0
}

// marketValue prices the book with the given close prices.
func (a *account) marketValue(priceOf func(symbol string) float64) float64 {
	total := a.cash
	for sym, pos := range a.positions {
		if p := priceOf(sym); p > 0 && !math.IsNaN(p) {
			total += pos.shares * p
		}
	}
	return total
}

// heldSymbols returns the open positions in symbol order.
func (a *account) heldSymbols() []string {
	out := make([]string, 0, len(a.positions))
	for sym := range a.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// holdings snapshots the book for the final report.
func (a *account) holdings() map[string]domain.Holding {
	out := make(map[string]domain.Holding, len(a.positions))
	for sym, pos := range a.positions {
		out[sym] = domain.Holding{Shares: pos.shares, AvgCost: pos.avgCost}
	}
	return out
}

// dayFlows returns and resets the traded amounts of the current day.
func (a *account) dayFlows() (buys, sells float64) {
	buys, sells = a.dayBuys, a.daySells
	a.dayBuys, a.daySells = 0, 0
	return buys, sells
}
