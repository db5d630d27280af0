package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// SignalRepo serves the trader table.
type SignalRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// StoredSignal is a trader row: the signal plus its database identity,
// which the backtest association table references.
type StoredSignal struct {
	ID        int64            `json:"id"`
	Asset     domain.AssetType `json:"asset_type"`
	CreatedAt string           `json:"created_at"`
	domain.Signal
}

// SignalQuery filters List. Zero values mean "any".
type SignalQuery struct {
	Date  string
	Asset domain.AssetType
	Kind  domain.SignalKind
	Limit int
}

// Save upserts a signal batch and returns the row ids in input order.
// A rerun over the same date replaces strategies, price, score and
// rank under the (symbol, date, kind) identity.
func (r *SignalRepo) Save(ctx context.Context, asset domain.AssetType, signals []domain.Signal) ([]int64, error) {
	if len(signals) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(signals))
	err := database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			upsert, err := tx.PrepareContext(ctx, `INSERT INTO trader
                (symbol, signal_date, signal_type, strategies, price, score, rank, quantity, asset_type)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT(symbol, signal_date, signal_type) DO UPDATE SET
                    strategies = excluded.strategies,
                    price = excluded.price,
                    score = excluded.score,
                    rank = excluded.rank,
                    quantity = excluded.quantity,
                    asset_type = excluded.asset_type`)
			if err != nil {
				return fmt.Errorf("failed to prepare signal upsert: %w", err)
			}
			defer upsert.Close()

			lookup, err := tx.PrepareContext(ctx,
				`SELECT id FROM trader WHERE symbol = ? AND signal_date = ? AND signal_type = ?`)
			if err != nil {
				return fmt.Errorf("failed to prepare signal id lookup: %w", err)
			}
			defer lookup.Close()

			for i, s := range signals {
				if _, err := upsert.ExecContext(ctx, s.Symbol, s.Date, string(s.Kind),
					s.StrategiesCSV(), s.Price, nullF(s.Score), s.Rank, s.QuantityHint, string(asset)); err != nil {
					return fmt.Errorf("failed to upsert signal %s %s %s: %w", s.Symbol, s.Date, s.Kind, err)
				}
				if err := lookup.QueryRowContext(ctx, s.Symbol, s.Date, string(s.Kind)).Scan(&ids[i]); err != nil {
					return fmt.Errorf("failed to read signal id for %s %s: %w", s.Symbol, s.Date, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// List returns trader rows newest-date first, buys before sells before
// holds within a date, rank ascending inside each kind.
func (r *SignalRepo) List(ctx context.Context, q SignalQuery) ([]StoredSignal, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Date != "" {
		where = append(where, "signal_date = ?")
		args = append(args, q.Date)
	}
	if q.Asset != "" {
		where = append(where, "asset_type = ?")
		args = append(args, string(q.Asset))
	}
	if q.Kind != "" {
		where = append(where, "signal_type = ?")
		args = append(args, string(q.Kind))
	}

	query := `SELECT id, symbol, signal_date, signal_type, strategies, price, score, rank, quantity, asset_type, created_at FROM trader`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY signal_date DESC,
        CASE signal_type WHEN 'buy' THEN 0 WHEN 'sell' THEN 1 ELSE 2 END,
        rank, symbol`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var out []StoredSignal
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query signals: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s StoredSignal
			var kind, assetType, strategies string
			var score sql.NullFloat64
			var rank, quantity sql.NullInt64
			if err := rows.Scan(&s.ID, &s.Symbol, &s.Date, &kind, &strategies,
				&s.Price, &score, &rank, &quantity, &assetType, &s.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan signal row: %w", err)
			}
			s.Kind = domain.SignalKind(kind)
			s.Asset = domain.AssetType(assetType)
			s.Score = ptrF(score)
			s.Rank = int(rank.Int64)
			s.QuantityHint = int(quantity.Int64)
			if strategies != "" {
				s.Strategies = strings.Split(strategies, ",")
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestDate returns the most recent signal date on record for an
// asset class, empty when none exist.
func (r *SignalRepo) LatestDate(ctx context.Context, asset domain.AssetType) (string, error) {
	var latest sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(signal_date) FROM trader WHERE asset_type = ?`, string(asset)).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("failed to read latest signal date: %w", err)
	}
	return latest.String, nil
}
