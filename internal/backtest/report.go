package backtest

import (
	"math"
	"time"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/pkg/formulas"
)

// Assemble computes the performance metrics of a finished simulation
// and shapes the persistable report. Metrics degrade to zero on short
// or flat curves instead of propagating NaN; the information ratio
// stays nil unless a benchmark curve of matching length exists.
func Assemble(res *Result, version string, riskFree float64) (*domain.BacktestReport, error) {
	if len(res.Curve) == 0 {
		return nil, domain.NewError(domain.ErrCodeCorruptCurve,
			"task %s: empty equity curve", res.Task.Name)
	}

	values := make([]float64, len(res.Curve))
	dates := make([]time.Time, len(res.Curve))
	for i, p := range res.Curve {
		if i > 0 && p.Date <= res.Curve[i-1].Date {
			return nil, domain.NewError(domain.ErrCodeCorruptCurve,
				"task %s: equity date %q does not advance past %q", res.Task.Name, p.Date, res.Curve[i-1].Date)
		}
		day, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeCorruptCurve, err,
				"task %s: malformed equity date %q", res.Task.Name, p.Date)
		}
		values[i] = p.Value
		dates[i] = day
	}

	returns := formulas.CalculateReturns(values)
	returnDates := dates[1:]

	total := 0.0
	if res.Task.InitialCapital > 0 {
		total = res.FinalValue/res.Task.InitialCapital - 1
	}

	report := &domain.BacktestReport{
		TaskName:       res.Task.Name,
		Version:        version,
		AssetType:      res.Task.AssetType(),
		Start:          res.Task.StartDate,
		End:            res.Task.EndDate,
		InitialCapital: res.Task.InitialCapital,
		FinalValue:     res.FinalValue,

		TotalReturn:  total,
		AnnualReturn: formulas.AnnualizedReturn(total, len(values)),
		Volatility:   formulas.StdDev(returns) * math.Sqrt(formulas.TradingDaysPerYear),
		Sharpe:       orZero(formulas.CalculateSharpeRatio(returns, riskFree)),
		Sortino:      orZero(formulas.CalculateSortinoRatio(returns, riskFree)),
		Calmar:       orZero(formulas.CalculateCalmarRatio(returns)),
		MaxDrawdown:  orZero(formulas.CalculateMaxDrawdown(values)),
		VaR95:        orZero(formulas.CalculateVaR(returns, 0.95)),
		CVaR95:       orZero(formulas.CalculateCVaR(returns, 0.95)),
		AvgTurnover:  res.AvgTurnover,

		WinRates: domain.WinRates{
			Daily:   100 * orZero(formulas.CalculateDailyWinRate(returns)),
			Weekly:  100 * orZero(formulas.CalculateWeeklyWinRate(returnDates, returns)),
			Monthly: 100 * orZero(formulas.CalculateMonthlyWinRate(returnDates, returns)),
		},
		MonthlyReturns: formulas.CalculateMonthlyReturns(returnDates, returns),
		EquityCurve:    res.Curve,
		BenchmarkCurve: res.Benchmark,
		FinalHoldings:  res.Holdings,
		Trades:         res.Trades,
		TotalTrades:    len(res.Trades),

		Status:       domain.ReportCompleted,
		BacktestType: res.Type,
	}

	if len(res.Benchmark) == len(res.Curve) && len(res.Benchmark) > 1 {
		benchValues := make([]float64, len(res.Benchmark))
		for i, p := range res.Benchmark {
			benchValues[i] = p.Value
		}
		report.InfoRatio = formulas.CalculateInformationRatio(returns, formulas.CalculateReturns(benchValues))
	}

	if res.Type == domain.BacktestPortfolio {
		report.PortfolioConfig = map[string]interface{}{
			"weight":       string(domain.WeighEqually),
			"rebalance_on": "signal_change",
			"lot_size":     RoundLot,
			"ashare_mode":  res.Task.AShareMode,
		}
	}
	return report, nil
}

// FailedReport shapes the coded failure row persisted when a run
// aborts. Partial state is discarded; only the identity tuple and the
// error survive.
func FailedReport(task domain.Task, version string, btype domain.BacktestType, cause error) *domain.BacktestReport {
	report := &domain.BacktestReport{
		TaskName:       task.Name,
		Version:        version,
		AssetType:      task.AssetType(),
		Start:          task.StartDate,
		End:            task.EndDate,
		InitialCapital: task.InitialCapital,
		Status:         domain.ReportFailed,
		ErrorMessage:   cause.Error(),
		BacktestType:   btype,
	}
	if code := domain.CodeOf(cause); code != "" {
		report.ErrorCode = string(code)
	}
	return report
}

func orZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
