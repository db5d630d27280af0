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

// FundamentalRepo serves daily valuation snapshots.
type FundamentalRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// Upsert replaces valuation rows in place: upstream restates
// fundamentals after corrections, so the latest download wins.
func (r *FundamentalRepo) Upsert(ctx context.Context, rows []domain.FundamentalSnapshot) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var stored int
	err := database.WithRetry(ctx, func() error {
		stored = 0
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO stock_fundamental_daily
                (symbol, date, pe, pb, ps, total_mv, circ_mv) VALUES (?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("failed to prepare fundamental insert: %w", err)
			}
			defer stmt.Close()

			for _, f := range rows {
				if _, err := stmt.ExecContext(ctx, f.Symbol, f.Date,
					nullF(f.PE), nullF(f.PB), nullF(f.PS), nullF(f.TotalMV), nullF(f.CircMV)); err != nil {
					return fmt.Errorf("failed to insert fundamental %s %s: %w", f.Symbol, f.Date, err)
				}
				stored++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// Fetch reads snapshots for the symbols over [start, end], sorted by
// symbol then date. Symbols with no rows simply do not appear.
func (r *FundamentalRepo) Fetch(ctx context.Context, symbols []string, start, end string) ([]domain.FundamentalSnapshot, error) {
	var out []domain.FundamentalSnapshot
	for _, chunk := range chunked(symbols, chunkSize) {
		query := `SELECT symbol, date, pe, pb, ps, total_mv, circ_mv FROM stock_fundamental_daily
            WHERE symbol IN (` + placeholders(len(chunk)) + `) AND date >= ? AND date <= ?`
		args := make([]interface{}, 0, len(chunk)+2)
		for _, s := range chunk {
			args = append(args, s)
		}
		args = append(args, start, end)

		var batch []domain.FundamentalSnapshot
		err := database.WithRetry(ctx, func() error {
			batch = batch[:0]
			rows, err := r.db.QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to query fundamentals: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var f domain.FundamentalSnapshot
				var pe, pb, ps, totalMV, circMV sql.NullFloat64
				if err := rows.Scan(&f.Symbol, &f.Date, &pe, &pb, &ps, &totalMV, &circMV); err != nil {
					return fmt.Errorf("failed to scan fundamental row: %w", err)
				}
				f.PE = ptrF(pe)
				f.PB = ptrF(pb)
				f.PS = ptrF(ps)
				f.TotalMV = ptrF(totalMV)
				f.CircMV = ptrF(circMV)
				batch = append(batch, f)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

// LatestDate reports the newest valuation date stored for a symbol, or
// "" when none. The downloader uses it to resume incrementally.
func (r *FundamentalRepo) LatestDate(ctx context.Context, symbol string) (string, error) {
	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT MAX(date) FROM stock_fundamental_daily WHERE symbol = ?`, symbol).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("failed to read latest fundamental date for %s: %w", symbol, err)
	}
	return latest.String, nil
}

func nullF(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func ptrF(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
