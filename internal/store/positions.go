package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// PositionRepo is the paper ledger: one positions row per held symbol
// plus an append-only transactions journal. Signal generation reads it
// to tell fresh buys apart from holds.
type PositionRepo struct {
	db  *database.DB
	log zerolog.Logger
}

// Position is one row of the paper ledger.
type Position struct {
	Symbol       string  `json:"symbol"`
	Quantity     int64   `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	UpdatedAt    string  `json:"updated_at"`
}

// LedgerEntry is one journal row.
type LedgerEntry struct {
	ID        int64              `json:"id"`
	Symbol    string             `json:"symbol"`
	Action    domain.TradeAction `json:"action"`
	Quantity  int64              `json:"quantity"`
	Price     float64            `json:"price"`
	TradeDate string             `json:"trade_date"`
	Strategy  string             `json:"strategy,omitempty"`
}

// HeldSymbols returns symbols with an open position. When strategy is
// non-empty the set is narrowed to symbols that strategy has ever
// traded, so strategies do not see each other's books.
func (r *PositionRepo) HeldSymbols(ctx context.Context, strategy string) ([]string, error) {
	query := `SELECT symbol FROM positions WHERE quantity > 0 ORDER BY symbol`
	args := []interface{}{}
	if strategy != "" {
		query = `SELECT p.symbol FROM positions p
            WHERE p.quantity > 0
              AND p.symbol IN (SELECT DISTINCT symbol FROM transactions WHERE strategy_name = ?)
            ORDER BY p.symbol`
		args = append(args, strategy)
	}

	var out []string
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query held symbols: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var sym string
			if err := rows.Scan(&sym); err != nil {
				return fmt.Errorf("failed to scan held symbol: %w", err)
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

// List returns all open positions ordered by symbol.
func (r *PositionRepo) List(ctx context.Context) ([]Position, error) {
	var out []Position
	err := database.WithRetry(ctx, func() error {
		out = out[:0]
		rows, err := r.db.QueryContext(ctx,
			`SELECT symbol, quantity, avg_cost, current_price, market_value, updated_at
             FROM positions WHERE quantity > 0 ORDER BY symbol`)
		if err != nil {
			return fmt.Errorf("failed to list positions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p Position
			if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgCost, &p.CurrentPrice, &p.MarketValue, &p.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan position: %w", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transactions returns journal rows, newest first. symbol narrows to
// one instrument when non-empty; limit 0 means no limit.
func (r *PositionRepo) Transactions(ctx context.Context, symbol string, limit int) ([]LedgerEntry, error) {
	query := `SELECT id, symbol, buy_sell, quantity, price, trade_date, strategy_name
        FROM transactions`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY trade_date DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var action string
		if err := rows.Scan(&e.ID, &e.Symbol, &action, &e.Quantity, &e.Price, &e.TradeDate, &e.Strategy); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		e.Action = domain.TradeAction(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApplyTrade journals a fill and folds it into the position book in
// one transaction. Buys blend the average cost; partial sells keep it.
// A sell that exceeds the held quantity is rejected.
func (r *PositionRepo) ApplyTrade(ctx context.Context, trade domain.Trade, strategy string) error {
	shares := int64(math.Round(trade.Shares))
	if shares <= 0 {
		return fmt.Errorf("trade quantity must be positive, got %v", trade.Shares)
	}

	return database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO transactions (symbol, buy_sell, quantity, price, trade_date, strategy_name)
                 VALUES (?, ?, ?, ?, ?, ?)`,
				trade.Symbol, string(trade.Action), shares, trade.Price, trade.Date, strategy); err != nil {
				return fmt.Errorf("failed to journal trade for %s: %w", trade.Symbol, err)
			}

			var held int64
			var avgCost float64
			err := tx.QueryRowContext(ctx,
				`SELECT quantity, avg_cost FROM positions WHERE symbol = ?`, trade.Symbol).
				Scan(&held, &avgCost)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to read position for %s: %w", trade.Symbol, err)
			}

			switch trade.Action {
			case domain.TradeBuy:
				total := held + shares
				blended := (float64(held)*avgCost + float64(shares)*trade.Price) / float64(total)
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO positions (symbol, quantity, avg_cost, current_price, market_value, updated_at)
                     VALUES (?, ?, ?, ?, ?, datetime('now'))
                     ON CONFLICT(symbol) DO UPDATE SET
                        quantity = excluded.quantity,
                        avg_cost = excluded.avg_cost,
                        current_price = excluded.current_price,
                        market_value = excluded.market_value,
                        updated_at = excluded.updated_at`,
					trade.Symbol, total, blended, trade.Price, float64(total)*trade.Price); err != nil {
					return fmt.Errorf("failed to grow position %s: %w", trade.Symbol, err)
				}
			case domain.TradeSell:
				if shares > held {
					return fmt.Errorf("cannot sell %d of %s, only %d held", shares, trade.Symbol, held)
				}
				remaining := held - shares
				if remaining == 0 {
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM positions WHERE symbol = ?`, trade.Symbol); err != nil {
						return fmt.Errorf("failed to close position %s: %w", trade.Symbol, err)
					}
					return nil
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE positions SET quantity = ?, current_price = ?, market_value = ?, updated_at = datetime('now')
                     WHERE symbol = ?`,
					remaining, trade.Price, float64(remaining)*trade.Price, trade.Symbol); err != nil {
					return fmt.Errorf("failed to reduce position %s: %w", trade.Symbol, err)
				}
			default:
				return fmt.Errorf("unknown trade action %q", trade.Action)
			}
			return nil
		})
	})
}

// MarkPrices refreshes current_price and market_value for every symbol
// present in the book. Symbols without a quote are left untouched.
func (r *PositionRepo) MarkPrices(ctx context.Context, prices map[string]float64) error {
	if len(prices) == 0 {
		return nil
	}
	return database.WithRetry(ctx, func() error {
		return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx,
				`UPDATE positions SET current_price = ?, market_value = quantity * ?, updated_at = datetime('now')
                 WHERE symbol = ?`)
			if err != nil {
				return fmt.Errorf("failed to prepare price update: %w", err)
			}
			defer stmt.Close()

			for sym, price := range prices {
				if _, err := stmt.ExecContext(ctx, price, price, sym); err != nil {
					return fmt.Errorf("failed to mark %s: %w", sym, err)
				}
			}
			return nil
		})
	})
}
