package report

import (
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/hualei/quantdesk/internal/domain"
)

const (
	sheetOverview = "Overview"
	sheetEquity   = "Equity"
	sheetMonthly  = "Monthly"
	sheetTrades   = "Trades"
	sheetHoldings = "Holdings"
)

// WriteWorkbook renders a report as XLSX bytes.
func WriteWorkbook(report *domain.BacktestReport) ([]byte, error) {
	f, err := BuildWorkbook(report)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildWorkbook assembles the Excel export: overview metrics, the
// equity curve, monthly returns, the trade journal and final holdings.
// The caller owns closing the file.
func BuildWorkbook(report *domain.BacktestReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetOverview); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to name overview sheet: %w", err)
	}

	build := func() error {
		header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return fmt.Errorf("failed to create header style: %w", err)
		}

		if err := writeOverview(f, report, header); err != nil {
			return err
		}
		if err := writeEquity(f, report, header); err != nil {
			return err
		}
		if err := writeMonthly(f, report, header); err != nil {
			return err
		}
		if err := writeTrades(f, report, header); err != nil {
			return err
		}
		return writeHoldings(f, report, header)
	}
	if err := build(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeOverview(f *excelize.File, report *domain.BacktestReport, header int) error {
	rows := [][]interface{}{
		{"Strategy", report.TaskName},
		{"Version", report.Version},
		{"Type", string(report.BacktestType)},
		{"Asset", string(report.AssetType)},
		{"Start", report.Start},
		{"End", report.End},
		{"Status", string(report.Status)},
		{"Initial Capital", report.InitialCapital},
		{"Final Value", report.FinalValue},
		{"Total Return", report.TotalReturn},
		{"Annual Return", report.AnnualReturn},
		{"Volatility", report.Volatility},
		{"Sharpe", report.Sharpe},
		{"Sortino", report.Sortino},
		{"Calmar", report.Calmar},
		{"Max Drawdown", report.MaxDrawdown},
		{"VaR 95%", report.VaR95},
		{"CVaR 95%", report.CVaR95},
		{"Avg Turnover", report.AvgTurnover},
		{"Win Rate Daily %", report.WinRates.Daily},
		{"Win Rate Weekly %", report.WinRates.Weekly},
		{"Win Rate Monthly %", report.WinRates.Monthly},
		{"Total Trades", report.TotalTrades},
	}
	if report.InfoRatio != nil {
		rows = append(rows, []interface{}{"Info Ratio", *report.InfoRatio})
	}
	if report.Status == domain.ReportFailed {
		rows = append(rows,
			[]interface{}{"Error Code", report.ErrorCode},
			[]interface{}{"Error Message", report.ErrorMessage})
	}

	for i, row := range rows {
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(sheetOverview, cell, &row); err != nil {
			return fmt.Errorf("failed to write overview row %d: %w", i+1, err)
		}
	}
	last := fmt.Sprintf("A%d", len(rows))
	if err := f.SetCellStyle(sheetOverview, "A1", last, header); err != nil {
		return fmt.Errorf("failed to style overview labels: %w", err)
	}
	if err := f.SetColWidth(sheetOverview, "A", "A", 22); err != nil {
		return fmt.Errorf("failed to size overview columns: %w", err)
	}
	return f.SetColWidth(sheetOverview, "B", "B", 18)
}

func writeEquity(f *excelize.File, report *domain.BacktestReport, header int) error {
	if _, err := f.NewSheet(sheetEquity); err != nil {
		return fmt.Errorf("failed to create equity sheet: %w", err)
	}

	benchmark := make(map[string]float64, len(report.BenchmarkCurve))
	for _, p := range report.BenchmarkCurve {
		benchmark[p.Date] = p.Value
	}

	cols := []interface{}{"Date", "Value"}
	if len(benchmark) > 0 {
		cols = append(cols, "Benchmark")
	}
	if err := f.SetSheetRow(sheetEquity, "A1", &cols); err != nil {
		return fmt.Errorf("failed to write equity header: %w", err)
	}

	for i, p := range report.EquityCurve {
		row := []interface{}{p.Date, p.Value}
		if len(benchmark) > 0 {
			if v, ok := benchmark[p.Date]; ok {
				row = append(row, v)
			} else {
				row = append(row, nil)
			}
		}
		if err := f.SetSheetRow(sheetEquity, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("failed to write equity row %d: %w", i+2, err)
		}
	}

	if err := f.SetCellStyle(sheetEquity, "A1", "C1", header); err != nil {
		return fmt.Errorf("failed to style equity header: %w", err)
	}
	return f.SetColWidth(sheetEquity, "A", "C", 14)
}

func writeMonthly(f *excelize.File, report *domain.BacktestReport, header int) error {
	if _, err := f.NewSheet(sheetMonthly); err != nil {
		return fmt.Errorf("failed to create monthly sheet: %w", err)
	}

	months := make([]string, 0, len(report.MonthlyReturns))
	for m := range report.MonthlyReturns {
		months = append(months, m)
	}
	sort.Strings(months)

	head := []interface{}{"Month", "Return"}
	if err := f.SetSheetRow(sheetMonthly, "A1", &head); err != nil {
		return fmt.Errorf("failed to write monthly header: %w", err)
	}
	for i, m := range months {
		row := []interface{}{m, report.MonthlyReturns[m]}
		if err := f.SetSheetRow(sheetMonthly, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("failed to write monthly row %d: %w", i+2, err)
		}
	}

	if err := f.SetCellStyle(sheetMonthly, "A1", "B1", header); err != nil {
		return fmt.Errorf("failed to style monthly header: %w", err)
	}
	return f.SetColWidth(sheetMonthly, "A", "B", 12)
}

func writeTrades(f *excelize.File, report *domain.BacktestReport, header int) error {
	if _, err := f.NewSheet(sheetTrades); err != nil {
		return fmt.Errorf("failed to create trades sheet: %w", err)
	}

	head := []interface{}{"Date", "Symbol", "Action", "Shares", "Price", "Amount", "Fee"}
	if err := f.SetSheetRow(sheetTrades, "A1", &head); err != nil {
		return fmt.Errorf("failed to write trades header: %w", err)
	}
	for i, tr := range report.Trades {
		row := []interface{}{tr.Date, tr.Symbol, string(tr.Action), tr.Shares, tr.Price, tr.Amount, tr.Fee}
		if err := f.SetSheetRow(sheetTrades, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("failed to write trade row %d: %w", i+2, err)
		}
	}

	if err := f.SetCellStyle(sheetTrades, "A1", "G1", header); err != nil {
		return fmt.Errorf("failed to style trades header: %w", err)
	}
	return f.SetColWidth(sheetTrades, "A", "G", 12)
}

func writeHoldings(f *excelize.File, report *domain.BacktestReport, header int) error {
	if _, err := f.NewSheet(sheetHoldings); err != nil {
		return fmt.Errorf("failed to create holdings sheet: %w", err)
	}

	symbols := make([]string, 0, len(report.FinalHoldings))
	for s := range report.FinalHoldings {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	head := []interface{}{"Symbol", "Shares", "Avg Cost"}
	if err := f.SetSheetRow(sheetHoldings, "A1", &head); err != nil {
		return fmt.Errorf("failed to write holdings header: %w", err)
	}
	for i, s := range symbols {
		h := report.FinalHoldings[s]
		row := []interface{}{s, h.Shares, h.AvgCost}
		if err := f.SetSheetRow(sheetHoldings, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("failed to write holding row %d: %w", i+2, err)
		}
	}

	if err := f.SetCellStyle(sheetHoldings, "A1", "C1", header); err != nil {
		return fmt.Errorf("failed to style holdings header: %w", err)
	}
	return f.SetColWidth(sheetHoldings, "A", "C", 14)
}
