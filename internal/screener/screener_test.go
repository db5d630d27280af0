package screener

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"github.com/hualei/quantdesk/pkg/logger"
)

var asOf = time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)

// liquid returns a candidate that sails through every layer except the
// one under test.
func liquid(sym string, days int) Candidate {
	return Candidate{
		Symbol:        sym,
		DataDays:      days,
		AvgTurnover20: 5.0,
		AvgAmount20:   5e8,
	}
}

func TestApply_DataAvailabilityLayer(t *testing.T) {
	f := New(Config{MinDataDays: 180}, logger.Nop())

	got := f.Apply(asOf, []Candidate{
		liquid("510300.SH", 500),
		liquid("159915.SZ", 179),
		liquid("588000.SH", 180),
	})

	assert.Equal(t, []string{"510300.SH", "588000.SH"}, got,
		"symbols below the history floor are dropped, the boundary value passes")
}

func TestNew_DefaultsMinDataDays(t *testing.T) {
	f := New(Config{}, logger.Nop())
	assert.Equal(t, DefaultMinDataDays, f.Config().MinDataDays)
}

func TestApply_StatusLayer(t *testing.T) {
	cfg := Config{
		MinDataDays:        1,
		ExcludeST:          true,
		ExcludeSuspended:   true,
		ExcludeNewIPODays:  90,
		ExcludeStarBoard:   true,
		ExcludeGrowthBoard: true,
		ExcludeBeijing:     true,
	}
	f := New(cfg, logger.Nop())

	clean := liquid("600519.SH", 300)
	clean.Meta = domain.SecurityMeta{Symbol: "600519.SH", ListDate: "2020-01-01"}

	st := liquid("600001.SH", 300)
	st.Meta.IsST = true

	susp := liquid("600002.SH", 300)
	susp.Meta.IsSusp = true

	fresh := liquid("600003.SH", 300)
	fresh.Meta.ListDate = "2024-05-01" // 58 days before asOf

	flagged := liquid("600004.SH", 300)
	flagged.Meta.IsNewIPO = true // no list date on record

	star := liquid("688001.SH", 300)
	growth := liquid("300750.SZ", 300)
	beijing := liquid("830799.BJ", 300)

	got := f.Apply(asOf, []Candidate{clean, st, susp, fresh, flagged, star, growth, beijing})

	assert.Equal(t, []string{"600519.SH"}, got)
}

func TestApply_SeasonedListingPassesAgeCheck(t *testing.T) {
	f := New(Config{MinDataDays: 1, ExcludeNewIPODays: 90}, logger.Nop())

	old := liquid("600519.SH", 300)
	old.Meta.ListDate = "2024-03-01" // 119 days before asOf
	old.Meta.IsNewIPO = true         // stale flag loses to the real date

	got := f.Apply(asOf, []Candidate{old})

	assert.Equal(t, []string{"600519.SH"}, got,
		"a parseable list date outside the window wins over the is_new_ipo flag")
}

func TestApply_MarketCapBand(t *testing.T) {
	minMV, maxMV := 20.0, 100.0
	f := New(Config{MinDataDays: 1, MinTotalMV: &minMV, MaxTotalMV: &maxMV}, logger.Nop())

	small := liquid("600001.SH", 300)
	small.Meta.TotalMV = floatPtr(10)

	mid := liquid("600002.SH", 300)
	mid.Meta.TotalMV = floatPtr(50)

	big := liquid("600003.SH", 300)
	big.Meta.TotalMV = floatPtr(150)

	unknown := liquid("510300.SH", 300) // no market value on record

	got := f.Apply(asOf, []Candidate{small, mid, big, unknown})

	assert.Equal(t, []string{"600002.SH", "510300.SH"}, got,
		"band keeps in-range values and passes symbols it cannot price")
}

func TestApply_MarketCapBandDisabledWhenBothBoundsNil(t *testing.T) {
	f := New(Config{MinDataDays: 1}, logger.Nop())

	tiny := liquid("600001.SH", 300)
	tiny.Meta.TotalMV = floatPtr(0.5)

	got := f.Apply(asOf, []Candidate{tiny})

	assert.Equal(t, []string{"600001.SH"}, got)
}

func TestApply_LiquidityLayer(t *testing.T) {
	f := New(Config{MinDataDays: 1, MinTurnoverRate: 0.5, MinAvgAmount: 1000}, logger.Nop())

	thin := Candidate{Symbol: "600001.SH", DataDays: 300, AvgTurnover20: 0.4, AvgAmount20: 2e7}
	cheap := Candidate{Symbol: "600002.SH", DataDays: 300, AvgTurnover20: 0.8, AvgAmount20: 5e6}
	good := Candidate{Symbol: "600003.SH", DataDays: 300, AvgTurnover20: 0.8, AvgAmount20: 2e7}
	nodata := Candidate{Symbol: "600004.SH", DataDays: 300, AvgTurnover20: math.NaN(), AvgAmount20: math.NaN()}

	got := f.Apply(asOf, []Candidate{thin, cheap, good, nodata})

	// min_avg_amount is declared in 万元: 1000 万元 = 1e7 CNY, so 5e6 fails.
	assert.Equal(t, []string{"600003.SH"}, got)
}

func TestApply_LiquidityDisabledWhenThresholdsZero(t *testing.T) {
	f := New(Config{MinDataDays: 1}, logger.Nop())

	nodata := Candidate{Symbol: "600004.SH", DataDays: 300, AvgTurnover20: math.NaN(), AvgAmount20: math.NaN()}

	got := f.Apply(asOf, []Candidate{nodata})

	assert.Equal(t, []string{"600004.SH"}, got, "zero thresholds skip the layer, NaN stats included")
}

func TestApply_CountCapRanksByTradedValue(t *testing.T) {
	f := New(Config{MinDataDays: 1, TargetCount: 2}, logger.Nop())

	a := Candidate{Symbol: "600001.SH", DataDays: 300, AvgAmount20: 5e7}
	b := Candidate{Symbol: "600002.SH", DataDays: 300, AvgAmount20: 9e7}
	c := Candidate{Symbol: "600003.SH", DataDays: 300, AvgAmount20: 1e7}

	got := f.Apply(asOf, []Candidate{a, b, c})

	assert.Equal(t, []string{"600002.SH", "600001.SH"}, got,
		"survivors are reordered by trailing traded value before truncation")
}

func TestApply_CountCapTieBreaksBySymbol(t *testing.T) {
	f := New(Config{MinDataDays: 1, TargetCount: 3}, logger.Nop())

	b := Candidate{Symbol: "600002.SH", DataDays: 300, AvgAmount20: 5e7}
	a := Candidate{Symbol: "600001.SH", DataDays: 300, AvgAmount20: 5e7}
	n := Candidate{Symbol: "600003.SH", DataDays: 300, AvgAmount20: math.NaN()}

	got := f.Apply(asOf, []Candidate{b, a, n})

	assert.Equal(t, []string{"600001.SH", "600002.SH", "600003.SH"}, got,
		"equal values order by symbol and NaN ranks last")
}

func TestApply_EmptyInput(t *testing.T) {
	f := New(Balanced(), logger.Nop())
	assert.Empty(t, f.Apply(asOf, nil))
}

func TestApply_PreservesInputOrderWithoutCap(t *testing.T) {
	f := New(Config{MinDataDays: 1}, logger.Nop())

	got := f.Apply(asOf, []Candidate{
		liquid("510500.SH", 300),
		liquid("159915.SZ", 300),
		liquid("510300.SH", 300),
	})

	assert.Equal(t, []string{"510500.SH", "159915.SZ", "510300.SH"}, got)
}

func TestPresetByName(t *testing.T) {
	cons, err := PresetByName("conservative")
	require.NoError(t, err)
	assert.Equal(t, 250, cons.MinDataDays)
	assert.True(t, cons.ExcludeStarBoard)

	bal, err := PresetByName("")
	require.NoError(t, err)
	assert.Equal(t, Balanced(), bal, "empty preset name resolves to balanced")

	agg, err := PresetByName("Aggressive")
	require.NoError(t, err)
	assert.Nil(t, agg.MinTotalMV, "aggressive preset carries no cap band")

	_, err = PresetByName("yolo")
	assert.Error(t, err)
}

func TestPresets_TightenMonotonically(t *testing.T) {
	cons, bal, agg := Conservative(), Balanced(), Aggressive()

	assert.GreaterOrEqual(t, cons.MinDataDays, bal.MinDataDays)
	assert.Greater(t, cons.MinTurnoverRate, bal.MinTurnoverRate)
	assert.Greater(t, bal.MinTurnoverRate, agg.MinTurnoverRate)
	assert.Greater(t, cons.MinAvgAmount, bal.MinAvgAmount)
	assert.Greater(t, bal.MinAvgAmount, agg.MinAvgAmount)
	assert.Less(t, cons.TargetCount, bal.TargetCount)
	assert.Less(t, bal.TargetCount, agg.TargetCount)
}

func TestStatsFromPanels(t *testing.T) {
	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-08"}
	symbols := []string{"159915.SZ", "510300.SH"}

	closes := panel.New("close", dates, symbols)
	turnover := panel.New("turnover_rate", dates, symbols)
	amount := panel.New("amount", dates, symbols)
	for i, d := range dates {
		closes.Set(d, "159915.SZ", 10+float64(i))
		turnover.Set(d, "159915.SZ", float64(i+1))
		amount.Set(d, "159915.SZ", float64(i+1)*1e6)
	}
	// 510300.SH traded only on the last two days.
	for _, d := range dates[3:] {
		closes.Set(d, "510300.SH", 4.0)
		turnover.Set(d, "510300.SH", 2.0)
		amount.Set(d, "510300.SH", 8e6)
	}

	stats := StatsFromPanels(closes, turnover, amount)

	a := stats["159915.SZ"]
	assert.Equal(t, 5, a.DataDays)
	assert.InDelta(t, 3.0, a.AvgTurnover20, 1e-12, "mean of 1..5 with window wider than history")
	assert.InDelta(t, 3e6, a.AvgAmount20, 1e-3)

	b := stats["510300.SH"]
	assert.Equal(t, 2, b.DataDays, "days without a bar do not count as history")
	assert.InDelta(t, 2.0, b.AvgTurnover20, 1e-12)
	assert.InDelta(t, 8e6, b.AvgAmount20, 1e-3)
}

func TestBuildCandidates(t *testing.T) {
	metas := map[string]domain.SecurityMeta{
		"600519.SH": {Symbol: "600519.SH", Name: "贵州茅台"},
	}
	stats := map[string]Stats{
		"600519.SH": {DataDays: 300, AvgTurnover20: 1.2, AvgAmount20: 9e8},
	}

	got := BuildCandidates([]string{"600519.SH", "000001.SZ"}, metas, stats)

	require.Len(t, got, 2)
	assert.Equal(t, "贵州茅台", got[0].Meta.Name)
	assert.Equal(t, 300, got[0].DataDays)

	assert.Zero(t, got[1].DataDays, "unknown symbols carry no history and die at the first layer")
	assert.True(t, math.IsNaN(got[1].AvgTurnover20))
	assert.Empty(t, got[1].Meta.Symbol)
}
