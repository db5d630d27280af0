package backtest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
)

func geometricResult(days int, daily float64) *Result {
	dates := tradingDays("2024-01-01", days)
	curve := make([]domain.EquityPoint, days)
	value := 1_000_000.0
	for i, d := range dates {
		if i > 0 {
			value *= 1 + daily
		}
		curve[i] = domain.EquityPoint{Date: d, Value: value}
	}
	return &Result{
		Task: domain.Task{
			Name:           "steady",
			StartDate:      dates[0],
			EndDate:        dates[len(dates)-1],
			InitialCapital: 1_000_000,
		},
		Type:       domain.BacktestRotation,
		Curve:      curve,
		FinalValue: value,
	}
}

func TestAssembleMonotoneCurveMetrics(t *testing.T) {
	res := geometricResult(40, 0.01)

	report, err := Assemble(res, "v1", 0.03)
	require.NoError(t, err)

	wantTotal := math.Pow(1.01, 39) - 1
	assert.InDelta(t, wantTotal, report.TotalReturn, 1e-9)
	assert.Zero(t, report.MaxDrawdown, "a rising curve never draws down")
	assert.Zero(t, report.Sortino, "no losing day means no downside deviation to divide by")
	assert.InDelta(t, 100.0, report.WinRates.Daily, 1e-9, "every day gains")
	assert.InDelta(t, 0.01, report.VaR95, 1e-9, "the worst observed day still gains one percent")
	assert.Greater(t, report.AnnualReturn, wantTotal, "a 40-day run annualizes upward")
	assert.InDelta(t, 0.0, report.Volatility, 1e-9, "constant daily gains have no dispersion")
	assert.False(t, math.IsNaN(report.Sharpe))
	assert.Contains(t, report.MonthlyReturns, "2024-01")
	assert.Contains(t, report.MonthlyReturns, "2024-02")
	assert.Nil(t, report.InfoRatio, "no benchmark series, no information ratio")

	assert.Equal(t, domain.ReportCompleted, report.Status)
	assert.Equal(t, "steady", report.TaskName)
	assert.Equal(t, "v1", report.Version)
	assert.Equal(t, res.Task.StartDate, report.Start)
	assert.Equal(t, res.Task.EndDate, report.End)
	assert.Equal(t, domain.BacktestRotation, report.BacktestType)
	assert.InDelta(t, res.FinalValue, report.FinalValue, 1e-9)
}

func TestAssembleInfoRatioNeedsAlignedBenchmark(t *testing.T) {
	res := geometricResult(20, 0.01)
	// The benchmark gains on alternate days only, so the excess return
	// series has real tracking error.
	bench := make([]domain.EquityPoint, len(res.Curve))
	value := 1_000_000.0
	for i, p := range res.Curve {
		if i%2 == 1 {
			value *= 1.005
		}
		bench[i] = domain.EquityPoint{Date: p.Date, Value: value}
	}
	res.Benchmark = bench

	report, err := Assemble(res, "v1", 0.03)
	require.NoError(t, err)
	require.NotNil(t, report.InfoRatio, "an aligned benchmark produces an information ratio")
	assert.Greater(t, *report.InfoRatio, 0.0, "the strategy outruns the benchmark every day")
	assert.Len(t, report.BenchmarkCurve, 20)

	res.Benchmark = bench[:10]
	report, err = Assemble(res, "v1", 0.03)
	require.NoError(t, err)
	assert.Nil(t, report.InfoRatio, "a misaligned benchmark is dropped rather than misread")
}

func TestAssembleRejectsCorruptCurves(t *testing.T) {
	res := geometricResult(5, 0.01)
	res.Curve[3].Date = res.Curve[2].Date

	_, err := Assemble(res, "v1", 0.03)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))

	res = geometricResult(5, 0.01)
	res.Curve = nil
	_, err = Assemble(res, "v1", 0.03)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))
}

func TestAssemblePortfolioReportCarriesConfig(t *testing.T) {
	res := geometricResult(10, 0.001)
	res.Type = domain.BacktestPortfolio
	res.Task.AShareMode = true

	report, err := Assemble(res, "v1", 0.03)
	require.NoError(t, err)
	require.NotNil(t, report.PortfolioConfig)
	assert.Equal(t, "signal_change", report.PortfolioConfig["rebalance_on"])
	assert.Equal(t, true, report.PortfolioConfig["ashare_mode"])
}

func TestFailedReportKeepsIdentityAndCode(t *testing.T) {
	task := domain.Task{
		Name:           "broken",
		StartDate:      "2024-01-01",
		EndDate:        "2024-06-30",
		InitialCapital: 500_000,
	}
	cause := domain.NewError(domain.ErrCodeBacktestTimeout, "task broken exceeded the 30m budget")

	report := FailedReport(task, "v2", domain.BacktestRotation, cause)

	assert.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, "BACKTEST_TIMEOUT", report.ErrorCode)
	assert.NotEmpty(t, report.ErrorMessage)
	assert.Equal(t, "broken", report.TaskName)
	assert.Equal(t, "v2", report.Version)
	assert.Equal(t, "2024-01-01", report.Start)
	assert.Equal(t, "2024-06-30", report.End)
	assert.Equal(t, domain.BacktestRotation, report.BacktestType)
	assert.Empty(t, report.EquityCurve, "a failed run reports no curve")
}
