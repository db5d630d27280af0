package domain

import (
	"sort"
	"strings"
)

// SignalKind is the action a signal recommends.
type SignalKind string

const (
	SignalBuy  SignalKind = "buy"
	SignalSell SignalKind = "sell"
	SignalHold SignalKind = "hold"
)

// Signal is one recommendation for one symbol on one day. A signal is
// emitted exactly once per (symbol, date, kind, strategy set).
type Signal struct {
	Symbol       string     `json:"symbol"`
	Kind         SignalKind `json:"kind"`
	Date         string     `json:"date"` // YYYY-MM-DD
	Price        float64    `json:"price"`
	Rank         int        `json:"rank,omitempty"` // 1-based for ranked buys, 0 otherwise
	Score        *float64   `json:"score,omitempty"`
	Strategies   []string   `json:"strategies"`
	QuantityHint int        `json:"quantity_hint,omitempty"`
}

// StrategiesCSV renders the strategy list the way the trader table
// stores it.
func (s Signal) StrategiesCSV() string {
	return strings.Join(s.Strategies, ",")
}

// kindOrder fixes the emission order of the three kinds.
var kindOrder = map[SignalKind]int{SignalBuy: 0, SignalSell: 1, SignalHold: 2}

// SortSignals orders a signal set deterministically: buys before sells
// before holds, then rank ascending, then symbol ascending. Repeated runs
// over frozen inputs therefore produce byte-identical sequences.
func SortSignals(signals []Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Symbol < b.Symbol
	})
}

// BuySet extracts the buy symbols as a set, the shape the portfolio
// backtester compares day over day.
func BuySet(signals []Signal) map[string]bool {
	out := make(map[string]bool)
	for _, s := range signals {
		if s.Kind == SignalBuy {
			out[s.Symbol] = true
		}
	}
	return out
}
