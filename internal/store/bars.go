package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// BarRepo serves the four history tables. ETFs and A-shares live in
// separate tables; the adjusted (qfq) series in their _qfq shadows.
type BarRepo struct {
	db  *database.DB
	log zerolog.Logger
}

const barColumns = `symbol, date, open, high, low, close, volume, amount,
    amplitude, change_pct, change_amount, turnover_rate`

// historyTable picks the table for an asset class and price series.
func historyTable(asset domain.AssetType, adjust domain.AdjustKind) string {
	base := "etf_history"
	if asset == domain.AssetAShare {
		base = "stock_history"
	}
	if adjust == domain.AdjustForward {
		return base + "_qfq"
	}
	return base
}

// Upsert stores bars insert-if-absent, so historical rows are never
// silently rewritten by a re-download. Returns the number of new rows.
func (r *BarRepo) Upsert(ctx context.Context, asset domain.AssetType, adjust domain.AdjustKind, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	table := historyTable(asset, adjust)

	var inserted int64
	err := database.WithRetry(ctx, func() error {
		inserted = 0
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO `+table+` (`+barColumns+`)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("failed to prepare %s insert: %w", table, err)
			}
			defer stmt.Close()

			for _, b := range bars {
				res, err := stmt.ExecContext(ctx, b.Symbol, b.Date, b.Open, b.High, b.Low, b.Close,
					b.Volume, b.Amount, b.Amplitude, b.ChangePct, b.ChangeAmount, b.TurnoverRate)
				if err != nil {
					return fmt.Errorf("failed to insert bar %s %s: %w", b.Symbol, b.Date, err)
				}
				if n, err := res.RowsAffected(); err == nil {
					inserted += n
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

// Fetch reads bars for a mixed symbol list over [start, end]. Symbols
// route to their asset class table; results come back sorted by
// symbol then date.
func (r *BarRepo) Fetch(ctx context.Context, symbols []string, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error) {
	var etfs, stocks []string
	for _, s := range symbols {
		if domain.IsETF(s) {
			etfs = append(etfs, s)
		} else {
			stocks = append(stocks, s)
		}
	}

	var out []domain.Bar
	groups := []struct {
		table string
		syms  []string
	}{
		{historyTable(domain.AssetETF, adjust), etfs},
		{historyTable(domain.AssetAShare, adjust), stocks},
	}
	for _, g := range groups {
		for _, chunk := range chunked(g.syms, chunkSize) {
			bars, err := r.fetchChunk(ctx, g.table, chunk, start, end)
			if err != nil {
				return nil, err
			}
			out = append(out, bars...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

func (r *BarRepo) fetchChunk(ctx context.Context, table string, symbols []string, start, end string) ([]domain.Bar, error) {
	query := `SELECT ` + barColumns + ` FROM ` + table + `
        WHERE symbol IN (` + placeholders(len(symbols)) + `) AND date >= ? AND date <= ?`
	args := make([]interface{}, 0, len(symbols)+2)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, start, end)

	var out []domain.Bar
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var b domain.Bar
			var amplitude, changePct, changeAmount, turnover sql.NullFloat64
			if err := rows.Scan(&b.Symbol, &b.Date, &b.Open, &b.High, &b.Low, &b.Close,
				&b.Volume, &b.Amount, &amplitude, &changePct, &changeAmount, &turnover); err != nil {
				return fmt.Errorf("failed to scan %s row: %w", table, err)
			}
			b.Amplitude = amplitude.Float64
			b.ChangePct = changePct.Float64
			b.ChangeAmount = changeAmount.Float64
			b.TurnoverRate = turnover.Float64
			out = append(out, b)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSymbols returns the symbols of an asset class with at least
// minDays raw bars on record, sorted.
func (r *BarRepo) ListSymbols(ctx context.Context, asset domain.AssetType, minDays int) ([]string, error) {
	table := historyTable(asset, domain.AdjustNone)
	query := `SELECT symbol FROM ` + table + ` GROUP BY symbol HAVING COUNT(*) >= ? ORDER BY symbol`

	var out []string
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, minDays)
		if err != nil {
			return fmt.Errorf("failed to list %s symbols: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				return fmt.Errorf("failed to scan symbol: %w", err)
			}
			out = append(out, sym)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestDate returns the most recent bar date of a symbol, empty when
// the symbol has no history yet. The downloader uses it to resume
// incrementally.
func (r *BarRepo) LatestDate(ctx context.Context, asset domain.AssetType, adjust domain.AdjustKind, symbol string) (string, error) {
	table := historyTable(asset, adjust)

	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT MAX(date) FROM `+table+` WHERE symbol = ?`, symbol).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("failed to read latest %s date for %s: %w", table, symbol, err)
	}
	return latest.String, nil
}

// Span reports the overall date coverage and row count of a table, for
// the status endpoint.
func (r *BarRepo) Span(ctx context.Context, asset domain.AssetType, adjust domain.AdjustKind) (first, last string, count int64, err error) {
	table := historyTable(asset, adjust)

	var firstNS, lastNS sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT MIN(date), MAX(date), COUNT(*) FROM `+table).
		Scan(&firstNS, &lastNS, &count)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to read %s span: %w", table, err)
	}
	return firstNS.String, lastNS.String, count, nil
}
