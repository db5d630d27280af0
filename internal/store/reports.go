package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// ReportRepo persists backtest outcomes. The identity tuple
// (strategy_name, version, start_date, end_date) is unique; saving the
// same identity again overwrites the previous run.
type ReportRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// ReportSummary is the list-view slice of a report, without the heavy
// JSON columns.
type ReportSummary struct {
	ID           int64               `json:"id"`
	TaskName     string              `json:"task_name"`
	Version      string              `json:"version"`
	Start        string              `json:"start"`
	End          string              `json:"end"`
	AssetType    domain.AssetType    `json:"asset_type"`
	BacktestType domain.BacktestType `json:"backtest_type"`
	Status       domain.ReportStatus `json:"status"`
	ErrorCode    string              `json:"error_code,omitempty"`
	TotalReturn  float64             `json:"total_return"`
	AnnualReturn float64             `json:"annual_return"`
	Sharpe       float64             `json:"sharpe"`
	MaxDrawdown  float64             `json:"max_drawdown"`
	TotalTrades  int                 `json:"total_trades"`
	UpdatedAt    string              `json:"updated_at"`
}

// Save upserts a report and returns its row id.
func (r *ReportRepo) Save(ctx context.Context, report *domain.BacktestReport) (int64, error) {
	equityCurve, err := json.Marshal(report.EquityCurve)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal equity curve: %w", err)
	}
	tradeList, err := json.Marshal(report.Trades)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal trade list: %w", err)
	}
	monthlyReturns, err := json.Marshal(report.MonthlyReturns)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal monthly returns: %w", err)
	}
	winRates, err := json.Marshal(report.WinRates)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal win rates: %w", err)
	}
	finalHoldings, err := json.Marshal(report.FinalHoldings)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal final holdings: %w", err)
	}
	var portfolioConfig interface{}
	if report.PortfolioConfig != nil {
		raw, err := json.Marshal(report.PortfolioConfig)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal portfolio config: %w", err)
		}
		portfolioConfig = string(raw)
	}
	var benchmarkCurve interface{}
	if report.BenchmarkCurve != nil {
		raw, err := json.Marshal(report.BenchmarkCurve)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal benchmark curve: %w", err)
		}
		benchmarkCurve = string(raw)
	}

	var id int64
	err = database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO strategy_backtests
                (strategy_name, version, start_date, end_date, asset_type, backtest_type,
                 status, error_code, error_message,
                 initial_capital, final_value, total_return, annual_return,
                 sharpe_ratio, sortino_ratio, calmar_ratio, max_drawdown,
                 var_95, cvar_95, info_ratio, volatility, avg_turnover_rate, total_trades,
                 equity_curve, benchmark_curve, trade_list, monthly_returns, win_rates,
                 final_holdings, portfolio_config, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
                ON CONFLICT(strategy_name, version, start_date, end_date) DO UPDATE SET
                    asset_type = excluded.asset_type,
                    backtest_type = excluded.backtest_type,
                    status = excluded.status,
                    error_code = excluded.error_code,
                    error_message = excluded.error_message,
                    initial_capital = excluded.initial_capital,
                    final_value = excluded.final_value,
                    total_return = excluded.total_return,
                    annual_return = excluded.annual_return,
                    sharpe_ratio = excluded.sharpe_ratio,
                    sortino_ratio = excluded.sortino_ratio,
                    calmar_ratio = excluded.calmar_ratio,
                    max_drawdown = excluded.max_drawdown,
                    var_95 = excluded.var_95,
                    cvar_95 = excluded.cvar_95,
                    info_ratio = excluded.info_ratio,
                    volatility = excluded.volatility,
                    avg_turnover_rate = excluded.avg_turnover_rate,
                    total_trades = excluded.total_trades,
                    equity_curve = excluded.equity_curve,
                    benchmark_curve = excluded.benchmark_curve,
                    trade_list = excluded.trade_list,
                    monthly_returns = excluded.monthly_returns,
                    win_rates = excluded.win_rates,
                    final_holdings = excluded.final_holdings,
                    portfolio_config = excluded.portfolio_config,
                    updated_at = datetime('now')`,
				report.TaskName, report.Version, report.Start, report.End,
				string(report.AssetType), string(report.BacktestType),
				string(report.Status), nullS(report.ErrorCode), nullS(report.ErrorMessage),
				report.InitialCapital, report.FinalValue, report.TotalReturn, report.AnnualReturn,
				report.Sharpe, report.Sortino, report.Calmar, report.MaxDrawdown,
				report.VaR95, report.CVaR95, nullF(report.InfoRatio), report.Volatility,
				report.AvgTurnover, report.TotalTrades,
				string(equityCurve), benchmarkCurve, string(tradeList), string(monthlyReturns),
				string(winRates), string(finalHoldings), portfolioConfig)
			if err != nil {
				return fmt.Errorf("failed to upsert report %s: %w", report.TaskName, err)
			}
			return tx.QueryRowContext(ctx,
				`SELECT id FROM strategy_backtests WHERE strategy_name = ? AND version = ? AND start_date = ? AND end_date = ?`,
				report.TaskName, report.Version, report.Start, report.End).Scan(&id)
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the most recently updated report for a strategy name,
// nil when none exists.
func (r *ReportRepo) Get(ctx context.Context, name string) (*domain.BacktestReport, error) {
	return r.getWhere(ctx, `strategy_name = ? ORDER BY updated_at DESC, id DESC`, name)
}

// GetByIdentity returns the report of one exact run identity, nil when
// absent.
func (r *ReportRepo) GetByIdentity(ctx context.Context, name, version, start, end string) (*domain.BacktestReport, error) {
	return r.getWhere(ctx, `strategy_name = ? AND version = ? AND start_date = ? AND end_date = ?`,
		name, version, start, end)
}

// clause is the WHERE body plus any ORDER BY; LIMIT 1 is appended.
func (r *ReportRepo) getWhere(ctx context.Context, clause string, args ...interface{}) (*domain.BacktestReport, error) {
	query := `SELECT strategy_name, version, start_date, end_date, asset_type, backtest_type,
        status, error_code, error_message,
        initial_capital, final_value, total_return, annual_return,
        sharpe_ratio, sortino_ratio, calmar_ratio, max_drawdown,
        var_95, cvar_95, info_ratio, volatility, avg_turnover_rate, total_trades,
        equity_curve, benchmark_curve, trade_list, monthly_returns, win_rates, final_holdings, portfolio_config
        FROM strategy_backtests WHERE ` + clause + ` LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query report: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	var (
		report                          domain.BacktestReport
		assetType, backtestType, status string
		errorCode, errorMessage         sql.NullString
		infoRatio                       sql.NullFloat64
	)
	var equity, benchmark, trades, monthly, wins, holdings, portfolio sql.NullString
	if err := rows.Scan(&report.TaskName, &report.Version, &report.Start, &report.End,
		&assetType, &backtestType, &status, &errorCode, &errorMessage,
		&report.InitialCapital, &report.FinalValue, &report.TotalReturn, &report.AnnualReturn,
		&report.Sharpe, &report.Sortino, &report.Calmar, &report.MaxDrawdown,
		&report.VaR95, &report.CVaR95, &infoRatio, &report.Volatility, &report.AvgTurnover,
		&report.TotalTrades,
		&equity, &benchmark, &trades, &monthly, &wins, &holdings, &portfolio); err != nil {
		return nil, fmt.Errorf("failed to scan report row: %w", err)
	}

	report.AssetType = domain.AssetType(assetType)
	report.BacktestType = domain.BacktestType(backtestType)
	report.Status = domain.ReportStatus(status)
	report.ErrorCode = errorCode.String
	report.ErrorMessage = errorMessage.String
	report.InfoRatio = ptrF(infoRatio)

	if err := unmarshalInto(equity, &report.EquityCurve); err != nil {
		return nil, fmt.Errorf("failed to decode equity curve: %w", err)
	}
	if err := unmarshalInto(benchmark, &report.BenchmarkCurve); err != nil {
		return nil, fmt.Errorf("failed to decode benchmark curve: %w", err)
	}
	if err := unmarshalInto(trades, &report.Trades); err != nil {
		return nil, fmt.Errorf("failed to decode trade list: %w", err)
	}
	if err := unmarshalInto(monthly, &report.MonthlyReturns); err != nil {
		return nil, fmt.Errorf("failed to decode monthly returns: %w", err)
	}
	if err := unmarshalInto(wins, &report.WinRates); err != nil {
		return nil, fmt.Errorf("failed to decode win rates: %w", err)
	}
	if err := unmarshalInto(holdings, &report.FinalHoldings); err != nil {
		return nil, fmt.Errorf("failed to decode final holdings: %w", err)
	}
	if err := unmarshalInto(portfolio, &report.PortfolioConfig); err != nil {
		return nil, fmt.Errorf("failed to decode portfolio config: %w", err)
	}
	return &report, nil
}

// List returns report summaries, most recently updated first.
func (r *ReportRepo) List(ctx context.Context) ([]ReportSummary, error) {
	query := `SELECT id, strategy_name, version, start_date, end_date, asset_type, backtest_type,
        status, error_code, total_return, annual_return, sharpe_ratio, max_drawdown, total_trades, updated_at
        FROM strategy_backtests ORDER BY updated_at DESC, id DESC`

	var out []ReportSummary
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to list reports: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s ReportSummary
			var assetType, backtestType, status string
			var errorCode sql.NullString
			if err := rows.Scan(&s.ID, &s.TaskName, &s.Version, &s.Start, &s.End,
				&assetType, &backtestType, &status, &errorCode,
				&s.TotalReturn, &s.AnnualReturn, &s.Sharpe, &s.MaxDrawdown, &s.TotalTrades, &s.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan report summary: %w", err)
			}
			s.AssetType = domain.AssetType(assetType)
			s.BacktestType = domain.BacktestType(backtestType)
			s.Status = domain.ReportStatus(status)
			s.ErrorCode = errorCode.String
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LinkSignals associates trader rows with a backtest run.
func (r *ReportRepo) LinkSignals(ctx context.Context, backtestID int64, signalIDs []int64) error {
	if len(signalIDs) == 0 {
		return nil
	}
	return database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT OR IGNORE INTO signal_backtest_associations (trader_id, backtest_id) VALUES (?, ?)`)
			if err != nil {
				return fmt.Errorf("failed to prepare association insert: %w", err)
			}
			defer stmt.Close()

			for _, sid := range signalIDs {
				if _, err := stmt.ExecContext(ctx, sid, backtestID); err != nil {
					return fmt.Errorf("failed to link signal %d to backtest %d: %w", sid, backtestID, err)
				}
			}
			return nil
		})
	})
}

// LinkedSignalIDs returns the trader rows associated with a backtest.
func (r *ReportRepo) LinkedSignalIDs(ctx context.Context, backtestID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT trader_id FROM signal_backtest_associations WHERE backtest_id = ? ORDER BY trader_id`, backtestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullS(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func unmarshalInto(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
