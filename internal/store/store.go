// Package store holds the SQLite repositories. One repository per
// table group; the Store aggregate wires them over a shared handle and
// satisfies the data interfaces the engines consume, so callers can
// pass the whole store where a bar source or universe lister is asked
// for.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
)

// Store bundles the repositories over one database handle.
type Store struct {
	db  *database.DB
	log zerolog.Logger

	Bars         *BarRepo
	Fundamentals *FundamentalRepo
	Meta         *MetaRepo
	Signals      *SignalRepo
	Reports      *ReportRepo
	Positions    *PositionRepo
}

// New wires the repositories. The schema must already be migrated;
// Open does both.
func New(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:           db,
		log:          log.With().Str("component", "store").Logger(),
		Bars:         &BarRepo{db: db, log: log.With().Str("repo", "bars").Logger()},
		Fundamentals: &FundamentalRepo{db: db, log: log.With().Str("repo", "fundamentals").Logger()},
		Meta:         &MetaRepo{db: db, log: log.With().Str("repo", "metadata").Logger()},
		Signals:      &SignalRepo{db: db, log: log.With().Str("repo", "signals").Logger()},
		Reports:      &ReportRepo{db: db, log: log.With().Str("repo", "reports").Logger()},
		Positions:    &PositionRepo{db: db, log: log.With().Str("repo", "positions").Logger()},
	}
}

// Open connects, migrates and wires in one call.
func Open(cfg database.Config, log zerolog.Logger) (*Store, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	if err := database.Migrate(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}
	return New(db, log), nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for health checks and maintenance jobs.
func (s *Store) DB() *database.DB { return s.db }

// FetchBars implements factor.Source over the history tables.
func (s *Store) FetchBars(ctx context.Context, symbols []string, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error) {
	return s.Bars.Fetch(ctx, symbols, start, end, adjust)
}

// FetchFundamentals implements factor.Source over the valuation table.
func (s *Store) FetchFundamentals(ctx context.Context, symbols []string, start, end string) ([]domain.FundamentalSnapshot, error) {
	return s.Fundamentals.Fetch(ctx, symbols, start, end)
}

// ListSymbols implements signal.UniverseStore.
func (s *Store) ListSymbols(ctx context.Context, asset domain.AssetType, minDays int) ([]string, error) {
	return s.Bars.ListSymbols(ctx, asset, minDays)
}

// SecurityMetas implements signal.UniverseStore.
func (s *Store) SecurityMetas(ctx context.Context, symbols []string) (map[string]domain.SecurityMeta, error) {
	return s.Meta.SecurityMetas(ctx, symbols)
}

// HeldSymbols implements signal.PositionSource.
func (s *Store) HeldSymbols(ctx context.Context, strategy string) ([]string, error) {
	return s.Positions.HeldSymbols(ctx, strategy)
}

// chunk size keeps IN (...) parameter lists well under SQLite's
// variable limit.
const chunkSize = 400

func chunked(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var out [][]string
	for size < len(items) {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
