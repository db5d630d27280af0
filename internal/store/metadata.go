package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// MetaRepo serves the per-symbol master records behind the smart
// filter.
type MetaRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// Upsert refreshes master records; the newest sync always wins.
func (r *MetaRepo) Upsert(ctx context.Context, metas []domain.SecurityMeta) error {
	if len(metas) == 0 {
		return nil
	}
	return database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `INSERT INTO stock_metadata
                (symbol, name, sector, industry, list_date, is_st, is_suspend, is_new_ipo, total_mv, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
                ON CONFLICT(symbol) DO UPDATE SET
                    name = excluded.name,
                    sector = excluded.sector,
                    industry = excluded.industry,
                    list_date = excluded.list_date,
                    is_st = excluded.is_st,
                    is_suspend = excluded.is_suspend,
                    is_new_ipo = excluded.is_new_ipo,
                    total_mv = excluded.total_mv,
                    updated_at = datetime('now')`)
			if err != nil {
				return fmt.Errorf("failed to prepare metadata upsert: %w", err)
			}
			defer stmt.Close()

			for _, m := range metas {
				if _, err := stmt.ExecContext(ctx, m.Symbol, m.Name, m.Sector, m.Industry, m.ListDate,
					boolInt(m.IsST), boolInt(m.IsSusp), boolInt(m.IsNewIPO), nullF(m.TotalMV)); err != nil {
					return fmt.Errorf("failed to upsert metadata for %s: %w", m.Symbol, err)
				}
			}
			return nil
		})
	})
}

// SecurityMetas returns the master records of the given symbols keyed
// by symbol. Symbols without a record are simply absent.
func (r *MetaRepo) SecurityMetas(ctx context.Context, symbols []string) (map[string]domain.SecurityMeta, error) {
	out := make(map[string]domain.SecurityMeta, len(symbols))
	for _, chunk := range chunked(symbols, chunkSize) {
		query := `SELECT symbol, name, sector, industry, list_date, is_st, is_suspend, is_new_ipo, total_mv
            FROM stock_metadata WHERE symbol IN (` + placeholders(len(chunk)) + `)`
		args := make([]interface{}, len(chunk))
		for i, s := range chunk {
			args[i] = s
		}

		var batch []domain.SecurityMeta
		err := database.WithRetry(ctx, func() error {
			batch = batch[:0]
			rows, err := r.db.QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to query metadata: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var m domain.SecurityMeta
				var sector, industry, listDate sql.NullString
				var isST, isSusp, isNewIPO int
				var totalMV sql.NullFloat64
				if err := rows.Scan(&m.Symbol, &m.Name, &sector, &industry, &listDate,
					&isST, &isSusp, &isNewIPO, &totalMV); err != nil {
					return fmt.Errorf("failed to scan metadata row: %w", err)
				}
				m.Sector = sector.String
				m.Industry = industry.String
				m.ListDate = listDate.String
				m.IsST = isST != 0
				m.IsSusp = isSusp != 0
				m.IsNewIPO = isNewIPO != 0
				m.TotalMV = ptrF(totalMV)
				batch = append(batch, m)
			}
			return rows.Err()
		})
		if err != nil {
			return nil, err
		}
		for _, m := range batch {
			out[m.Symbol] = m
		}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
