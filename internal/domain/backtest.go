package domain

// TradeAction is the direction of a fill.
type TradeAction string

const (
	TradeBuy  TradeAction = "buy"
	TradeSell TradeAction = "sell"
)

// Trade is one executed fill in a simulation.
type Trade struct {
	Date   string      `json:"date"` // YYYY-MM-DD
	Symbol string      `json:"symbol"`
	Action TradeAction `json:"action"`
	Shares float64     `json:"shares"`
	Price  float64     `json:"price"`
	Amount float64     `json:"amount"` // shares × price, before fees
	Fee    float64     `json:"fee"`
}

// Holding is one open position. AvgCost is the volume-weighted entry
// price, preserved across partial sells.
type Holding struct {
	Shares  float64 `json:"shares"`
	AvgCost float64 `json:"avg_cost"`
}

// EquityPoint is one day of an equity curve.
type EquityPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// WinRates are the fraction of winning periods, scaled 0-100.
type WinRates struct {
	Daily   float64 `json:"daily"`
	Weekly  float64 `json:"weekly"`
	Monthly float64 `json:"monthly"`
}

// BacktestType distinguishes the two simulation engines.
type BacktestType string

const (
	BacktestRotation  BacktestType = "single"
	BacktestPortfolio BacktestType = "portfolio"
)

// ReportStatus is the terminal state of a backtest run.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportFailed    ReportStatus = "failed"
)

// BacktestReport is the persisted outcome of one backtest run. The
// identity tuple (TaskName, Version, Start, End) is unique; reruns
// overwrite.
type BacktestReport struct {
	TaskName       string    `json:"task_name"`
	Version        string    `json:"version"`
	AssetType      AssetType `json:"asset_type"`
	Start          string    `json:"start"`
	End            string    `json:"end"`
	InitialCapital float64   `json:"initial_capital"`
	FinalValue     float64   `json:"final_value"`

	TotalReturn  float64  `json:"total_return"`
	AnnualReturn float64  `json:"annual_return"`
	Volatility   float64  `json:"volatility"` // Annualized stddev of daily returns
	Sharpe       float64  `json:"sharpe"`
	Sortino      float64  `json:"sortino"`
	Calmar       float64  `json:"calmar"`
	MaxDrawdown  float64  `json:"max_drawdown"`
	VaR95        float64  `json:"var95"`
	CVaR95       float64  `json:"cvar95"`
	InfoRatio    *float64 `json:"info_ratio,omitempty"` // Needs a benchmark series
	AvgTurnover  float64  `json:"avg_turnover"`

	WinRates       WinRates           `json:"win_rates"`
	MonthlyReturns map[string]float64 `json:"monthly_returns"`
	EquityCurve    []EquityPoint      `json:"equity_curve"`
	BenchmarkCurve []EquityPoint      `json:"benchmark_curve,omitempty"`
	FinalHoldings  map[string]Holding `json:"final_holdings"`
	Trades         []Trade            `json:"trade_list"`
	TotalTrades    int                `json:"total_trades"`

	Status          ReportStatus           `json:"status"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	BacktestType    BacktestType           `json:"backtest_type"`
	PortfolioConfig map[string]interface{} `json:"portfolio_config,omitempty"`
}
