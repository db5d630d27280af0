package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Migration is one ordered schema step. Steps run inside a transaction
// and are recorded in schema_migrations, so re-running Migrate is a no-op.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

var historyTableColumns = `
    symbol        TEXT    NOT NULL,
    date          TEXT    NOT NULL,
    open          REAL    NOT NULL,
    high          REAL    NOT NULL,
    low           REAL    NOT NULL,
    close         REAL    NOT NULL,
    volume        REAL    NOT NULL DEFAULT 0,
    amount        REAL    NOT NULL DEFAULT 0,
    amplitude     REAL,
    change_pct    REAL,
    change_amount REAL,
    turnover_rate REAL,
    PRIMARY KEY (symbol, date)
`

// migrations is the ordered schema history of the store. Append only;
// never edit a shipped step.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "history_tables",
		SQL: `
CREATE TABLE IF NOT EXISTS etf_history (` + historyTableColumns + `);
CREATE TABLE IF NOT EXISTS stock_history (` + historyTableColumns + `);
CREATE TABLE IF NOT EXISTS etf_history_qfq (` + historyTableColumns + `);
CREATE TABLE IF NOT EXISTS stock_history_qfq (` + historyTableColumns + `);
CREATE INDEX IF NOT EXISTS idx_etf_history_date ON etf_history(date);
CREATE INDEX IF NOT EXISTS idx_stock_history_date ON stock_history(date);
CREATE INDEX IF NOT EXISTS idx_etf_history_qfq_date ON etf_history_qfq(date);
CREATE INDEX IF NOT EXISTS idx_stock_history_qfq_date ON stock_history_qfq(date);
`,
	},
	{
		Version: 2,
		Name:    "metadata_and_fundamentals",
		SQL: `
CREATE TABLE IF NOT EXISTS stock_metadata (
    symbol     TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    sector     TEXT,
    industry   TEXT,
    list_date  TEXT,
    is_st      INTEGER NOT NULL DEFAULT 0,
    is_suspend INTEGER NOT NULL DEFAULT 0,
    is_new_ipo INTEGER NOT NULL DEFAULT 0,
    total_mv   REAL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS stock_fundamental_daily (
    symbol   TEXT NOT NULL,
    date     TEXT NOT NULL,
    pe       REAL,
    pb       REAL,
    ps       REAL,
    total_mv REAL,
    circ_mv  REAL,
    PRIMARY KEY (symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_fundamental_date ON stock_fundamental_daily(date);
`,
	},
	{
		Version: 3,
		Name:    "signals",
		SQL: `
CREATE TABLE IF NOT EXISTS trader (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL,
    signal_date TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    strategies  TEXT NOT NULL DEFAULT '',
    price       REAL NOT NULL DEFAULT 0,
    score       REAL,
    rank        INTEGER,
    quantity    INTEGER,
    asset_type  TEXT NOT NULL DEFAULT 'etf',
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (symbol, signal_date, signal_type)
);
CREATE INDEX IF NOT EXISTS idx_trader_signal_date ON trader(signal_date);
`,
	},
	{
		Version: 4,
		Name:    "backtests",
		SQL: `
CREATE TABLE IF NOT EXISTS strategy_backtests (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    strategy_name     TEXT NOT NULL,
    version           TEXT NOT NULL DEFAULT 'v1',
    start_date        TEXT NOT NULL,
    end_date          TEXT NOT NULL,
    asset_type        TEXT NOT NULL DEFAULT 'etf',
    backtest_type     TEXT NOT NULL DEFAULT 'single',
    status            TEXT NOT NULL DEFAULT 'completed',
    error_code        TEXT,
    error_message     TEXT,
    initial_capital   REAL NOT NULL DEFAULT 0,
    final_value       REAL NOT NULL DEFAULT 0,
    total_return      REAL NOT NULL DEFAULT 0,
    annual_return     REAL NOT NULL DEFAULT 0,
    sharpe_ratio      REAL NOT NULL DEFAULT 0,
    sortino_ratio     REAL NOT NULL DEFAULT 0,
    calmar_ratio      REAL NOT NULL DEFAULT 0,
    max_drawdown      REAL NOT NULL DEFAULT 0,
    var_95            REAL NOT NULL DEFAULT 0,
    cvar_95           REAL NOT NULL DEFAULT 0,
    info_ratio        REAL,
    volatility        REAL NOT NULL DEFAULT 0,
    avg_turnover_rate REAL NOT NULL DEFAULT 0,
    total_trades      INTEGER NOT NULL DEFAULT 0,
    equity_curve      TEXT,
    benchmark_curve   TEXT,
    trade_list        TEXT,
    monthly_returns   TEXT,
    win_rates         TEXT,
    final_holdings    TEXT,
    portfolio_config  TEXT,
    created_at        TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at        TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (strategy_name, version, start_date, end_date)
);
CREATE TABLE IF NOT EXISTS signal_backtest_associations (
    trader_id   INTEGER NOT NULL REFERENCES trader(id),
    backtest_id INTEGER NOT NULL REFERENCES strategy_backtests(id),
    UNIQUE (trader_id, backtest_id)
);
`,
	},
	{
		Version: 5,
		Name:    "paper_ledger",
		SQL: `
CREATE TABLE IF NOT EXISTS positions (
    symbol        TEXT PRIMARY KEY,
    quantity      INTEGER NOT NULL DEFAULT 0,
    avg_cost      REAL NOT NULL DEFAULT 0,
    current_price REAL NOT NULL DEFAULT 0,
    market_value  REAL NOT NULL DEFAULT 0,
    updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE TABLE IF NOT EXISTS transactions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol        TEXT NOT NULL,
    buy_sell      TEXT NOT NULL,
    quantity      INTEGER NOT NULL,
    price         REAL NOT NULL,
    trade_date    TEXT NOT NULL,
    strategy_name TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_transactions_trade_date ON transactions(trade_date);
`,
	},
}

// Migrate brings the schema up to date. Safe to call on every startup.
func Migrate(db *DB, log zerolog.Logger) error {
	log = log.With().Str("component", "migrations").Logger()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version    INTEGER PRIMARY KEY,
        name       TEXT NOT NULL,
        applied_at TEXT NOT NULL DEFAULT (datetime('now'))
    )`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")

		step := m
		err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(step.SQL); err != nil {
				return fmt.Errorf("failed to execute migration %d (%s): %w", step.Version, step.Name, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
				step.Version, step.Name,
			); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", step.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(db *DB) (int, error) {
	return currentVersion(db)
}

func currentVersion(db *DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
