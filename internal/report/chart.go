// Package report renders persisted backtest reports for humans: PNG
// equity charts and Excel workbooks. Metric math lives with the
// engines; everything here is presentation.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/hualei/quantdesk/internal/domain"
)

// RenderEquityChart renders a report's equity curve as a PNG. The
// benchmark replay is overlaid when the run recorded one; the running
// drawdown rides the secondary axis in percent.
func RenderEquityChart(report *domain.BacktestReport) ([]byte, error) {
	if len(report.EquityCurve) < 2 {
		return nil, fmt.Errorf("report %s has %d equity points, need at least 2", report.TaskName, len(report.EquityCurve))
	}

	xs := make([]time.Time, len(report.EquityCurve))
	equity := make([]float64, len(report.EquityCurve))
	drawdown := make([]float64, len(report.EquityCurve))
	peak := report.EquityCurve[0].Value
	for i, p := range report.EquityCurve {
		day, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			return nil, fmt.Errorf("failed to parse equity date %q: %w", p.Date, err)
		}
		xs[i] = day
		equity[i] = p.Value
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			drawdown[i] = (p.Value - peak) / peak * 100
		}
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name: report.TaskName,
			Style: chart.Style{
				StrokeColor: drawing.ColorFromHex("2563eb"),
				StrokeWidth: 2.0,
			},
			XValues: xs,
			YValues: equity,
		},
	}

	// The benchmark replay runs from the same initial capital, so the
	// two curves share an origin and overlay directly.
	if bx, by, ok := benchmarkSeries(report.BenchmarkCurve); ok {
		series = append(series, chart.TimeSeries{
			Name: "benchmark",
			Style: chart.Style{
				StrokeColor:     drawing.ColorFromHex("9ca3af"),
				StrokeWidth:     1.5,
				StrokeDashArray: []float64{5.0, 3.0},
			},
			XValues: bx,
			YValues: by,
		})
	}

	series = append(series, chart.TimeSeries{
		Name:  "drawdown %",
		YAxis: chart.YAxisSecondary,
		Style: chart.Style{
			StrokeColor: drawing.ColorFromHex("dc2626"),
			StrokeWidth: 1.0,
		},
		XValues: xs,
		YValues: drawdown,
	})

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s  %s ~ %s", report.TaskName, report.Start, report.End),
		Width:  1000,
		Height: 460,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 10},
		},
		XAxis: chart.XAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return chart.TimeFromFloat64(f).Format("2006-01")
				}
				return ""
			},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f", f)
				}
				return ""
			},
		},
		YAxisSecondary: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f%%", f)
				}
				return ""
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.LegendLeft(&graph)}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("failed to render equity chart: %w", err)
	}
	return buf.Bytes(), nil
}

// benchmarkSeries converts a stored benchmark curve into chart axes,
// dropping unparseable rows. Fewer than two usable points means no
// overlay.
func benchmarkSeries(curve []domain.EquityPoint) ([]time.Time, []float64, bool) {
	if len(curve) < 2 {
		return nil, nil, false
	}
	xs := make([]time.Time, 0, len(curve))
	ys := make([]float64, 0, len(curve))
	for _, p := range curve {
		day, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			continue
		}
		xs = append(xs, day)
		ys = append(ys, p.Value)
	}
	if len(xs) < 2 {
		return nil, nil, false
	}
	return xs, ys, true
}
