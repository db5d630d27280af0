// Package screener narrows a raw symbol list down to a tradeable
// universe through a fixed sequence of eligibility layers: data
// availability, listing status, market-cap band, liquidity, and a
// final count cap. Layers run in that order and an empty intermediate
// result stops the pipeline early.
package screener

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// DefaultMinDataDays is the history floor applied when a config
	// leaves min_data_days unset.
	DefaultMinDataDays = 180

	// LiquidityWindow is the trailing window (bars) behind the average
	// turnover and traded-value stats.
	LiquidityWindow = 20
)

// Config holds the thresholds of the filter layers. Zero or nil values
// disable the corresponding check, except MinDataDays which falls back
// to DefaultMinDataDays.
type Config struct {
	MinDataDays int `json:"min_data_days"`

	ExcludeST          bool `json:"exclude_st"`
	ExcludeSuspended   bool `json:"exclude_suspended"`
	ExcludeNewIPODays  int  `json:"exclude_new_ipo_days"`
	ExcludeStarBoard   bool `json:"exclude_star_board"`
	ExcludeGrowthBoard bool `json:"exclude_growth_board"`
	ExcludeBeijing     bool `json:"exclude_beijing"`

	MinTotalMV *float64 `json:"min_total_mv,omitempty"` // 亿元
	MaxTotalMV *float64 `json:"max_total_mv,omitempty"` // 亿元

	MinTurnoverRate float64 `json:"min_turnover_rate"` // 20d average, percent
	MinAvgAmount    float64 `json:"min_avg_amount"`    // 20d average, 万元

	TargetCount int `json:"target_count"` // 0 = no cap
}

// Conservative keeps only seasoned, large, liquid names: a full year of
// history, no newly listed or policy-restricted boards, and a tight cap.
func Conservative() Config {
	return Config{
		MinDataDays:        250,
		ExcludeST:          true,
		ExcludeSuspended:   true,
		ExcludeNewIPODays:  365,
		ExcludeStarBoard:   true,
		ExcludeGrowthBoard: true,
		ExcludeBeijing:     true,
		MinTotalMV:         floatPtr(50),
		MinTurnoverRate:    1.0,
		MinAvgAmount:       10_000,
		TargetCount:        50,
	}
}

// Balanced is the default preset: mid-cap floor, half a year of
// seasoning, Beijing excluded but STAR and ChiNext allowed.
func Balanced() Config {
	return Config{
		MinDataDays:       DefaultMinDataDays,
		ExcludeST:         true,
		ExcludeSuspended:  true,
		ExcludeNewIPODays: 180,
		ExcludeBeijing:    true,
		MinTotalMV:        floatPtr(20),
		MinTurnoverRate:   0.5,
		MinAvgAmount:      3_000,
		TargetCount:       100,
	}
}

// Aggressive trades breadth for safety: no cap band, short seasoning,
// low liquidity floor. ST and suspended names stay excluded.
func Aggressive() Config {
	return Config{
		MinDataDays:       DefaultMinDataDays,
		ExcludeST:         true,
		ExcludeSuspended:  true,
		ExcludeNewIPODays: 60,
		MinTurnoverRate:   0.2,
		MinAvgAmount:      1_000,
		TargetCount:       200,
	}
}

// PresetByName resolves a preset label from configuration.
func PresetByName(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "conservative":
		return Conservative(), nil
	case "balanced", "":
		return Balanced(), nil
	case "aggressive":
		return Aggressive(), nil
	default:
		return Config{}, fmt.Errorf("unknown filter preset %q", name)
	}
}

func floatPtr(v float64) *float64 { return &v }

// Candidate is one symbol together with the facts the filter judges it
// by. Callers assemble candidates from stored metadata and the price
// panels; the filter itself performs no IO.
type Candidate struct {
	Symbol        string
	Meta          domain.SecurityMeta
	DataDays      int     // Bars of history on record
	AvgTurnover20 float64 // Trailing 20-day mean turnover rate, percent
	AvgAmount20   float64 // Trailing 20-day mean traded value, CNY
}

// Filter applies the layered universe screen.
type Filter struct {
	cfg Config
	log zerolog.Logger
}

// New creates a filter. A non-positive MinDataDays falls back to
// DefaultMinDataDays.
func New(cfg Config, log zerolog.Logger) *Filter {
	if cfg.MinDataDays <= 0 {
		cfg.MinDataDays = DefaultMinDataDays
	}
	return &Filter{
		cfg: cfg,
		log: log.With().Str("component", "screener").Logger(),
	}
}

// Config returns the effective thresholds after defaulting.
func (f *Filter) Config() Config { return f.cfg }

// Apply runs the layers in order over the candidates and returns the
// surviving symbols. Input order is preserved except by the count cap,
// which reorders survivors by trailing traded value descending. asOf
// anchors the listing-age check.
func (f *Filter) Apply(asOf time.Time, candidates []Candidate) []string {
	layers := []struct {
		name string
		run  func([]Candidate) []Candidate
	}{
		{"data_availability", f.byDataDays},
		{"status", func(in []Candidate) []Candidate { return f.byStatus(asOf, in) }},
		{"market_cap", f.byMarketCap},
		{"liquidity", f.byLiquidity},
		{"count_cap", f.byCountCap},
	}

	kept := candidates
	for _, layer := range layers {
		before := len(kept)
		kept = layer.run(kept)
		f.log.Debug().
			Str("layer", layer.name).
			Int("in", before).
			Int("out", len(kept)).
			Msg("Filter layer applied")
		if len(kept) == 0 {
			f.log.Warn().Str("layer", layer.name).Msg("Filter emptied the universe")
			break
		}
	}

	out := make([]string, len(kept))
	for i, c := range kept {
		out[i] = c.Symbol
	}
	return out
}

func (f *Filter) byDataDays(in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if c.DataDays < f.cfg.MinDataDays {
			f.exclude(c.Symbol, "data_availability",
				fmt.Sprintf("%d of %d required days", c.DataDays, f.cfg.MinDataDays))
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *Filter) byStatus(asOf time.Time, in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if reason := f.statusReason(asOf, c); reason != "" {
			f.exclude(c.Symbol, "status", reason)
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *Filter) statusReason(asOf time.Time, c Candidate) string {
	if f.cfg.ExcludeST && c.Meta.IsST {
		return "ST flagged"
	}
	if f.cfg.ExcludeSuspended && c.Meta.IsSusp {
		return "suspended"
	}
	if days := f.cfg.ExcludeNewIPODays; days > 0 {
		if age, ok := listingAge(asOf, c.Meta.ListDate); ok {
			if age <= days {
				return fmt.Sprintf("listed %d days ago", age)
			}
		} else if c.Meta.IsNewIPO {
			return "new listing"
		}
	}
	if f.cfg.ExcludeStarBoard && domain.IsStarBoard(c.Symbol) {
		return "STAR board"
	}
	if f.cfg.ExcludeGrowthBoard && domain.IsGrowthBoard(c.Symbol) {
		return "ChiNext board"
	}
	if f.cfg.ExcludeBeijing && domain.IsBeijingBoard(c.Symbol) {
		return "Beijing exchange"
	}
	return ""
}

// listingAge returns whole days since listing. ok is false when the
// list date is absent or unparseable.
func listingAge(asOf time.Time, listDate string) (int, bool) {
	if listDate == "" {
		return 0, false
	}
	listed, err := time.Parse("2006-01-02", listDate)
	if err != nil {
		return 0, false
	}
	return int(asOf.Sub(listed).Hours() / 24), true
}

// byMarketCap keeps symbols inside the [min, max] total-mv band. The
// layer is disabled when both bounds are nil; symbols with no market
// value on record pass, the band only constrains what it can see.
func (f *Filter) byMarketCap(in []Candidate) []Candidate {
	if f.cfg.MinTotalMV == nil && f.cfg.MaxTotalMV == nil {
		return in
	}
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		mv := c.Meta.TotalMV
		if mv == nil {
			out = append(out, c)
			continue
		}
		if f.cfg.MinTotalMV != nil && *mv < *f.cfg.MinTotalMV {
			f.exclude(c.Symbol, "market_cap", fmt.Sprintf("total mv %.1f below %.1f", *mv, *f.cfg.MinTotalMV))
			continue
		}
		if f.cfg.MaxTotalMV != nil && *mv > *f.cfg.MaxTotalMV {
			f.exclude(c.Symbol, "market_cap", fmt.Sprintf("total mv %.1f above %.1f", *mv, *f.cfg.MaxTotalMV))
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *Filter) byLiquidity(in []Candidate) []Candidate {
	if f.cfg.MinTurnoverRate <= 0 && f.cfg.MinAvgAmount <= 0 {
		return in
	}
	minAmountCNY := f.cfg.MinAvgAmount * 1e4
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if f.cfg.MinTurnoverRate > 0 && !(c.AvgTurnover20 >= f.cfg.MinTurnoverRate) {
			f.exclude(c.Symbol, "liquidity",
				fmt.Sprintf("avg turnover %.3f below %.3f", c.AvgTurnover20, f.cfg.MinTurnoverRate))
			continue
		}
		if f.cfg.MinAvgAmount > 0 && !(c.AvgAmount20 >= minAmountCNY) {
			f.exclude(c.Symbol, "liquidity",
				fmt.Sprintf("avg amount %.0f below %.0f", c.AvgAmount20, minAmountCNY))
			continue
		}
		out = append(out, c)
	}
	return out
}

// byCountCap ranks survivors by trailing traded value descending and
// truncates to the target count. Ties break by symbol so repeated runs
// produce identical universes.
func (f *Filter) byCountCap(in []Candidate) []Candidate {
	if f.cfg.TargetCount <= 0 {
		return in
	}
	ranked := slices.Clone(in)
	slices.SortFunc(ranked, func(a, b Candidate) int {
		av, bv := rankValue(a.AvgAmount20), rankValue(b.AvgAmount20)
		switch {
		case av > bv:
			return -1
		case av < bv:
			return 1
		}
		return strings.Compare(a.Symbol, b.Symbol)
	})
	if len(ranked) > f.cfg.TargetCount {
		ranked = ranked[:f.cfg.TargetCount]
	}
	return ranked
}

// rankValue orders NaN stats behind every real value.
func rankValue(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

func (f *Filter) exclude(symbol, layer, reason string) {
	f.log.Debug().
		Str("symbol", symbol).
		Str("layer", layer).
		Str("reason", reason).
		Msg("Symbol filtered")
}
