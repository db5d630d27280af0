package domain

// AdjustKind selects which price series of a symbol the engine reads.
type AdjustKind string

const (
	// AdjustNone - raw exchange prices
	AdjustNone AdjustKind = "none"
	// AdjustForward - forward-adjusted (qfq) series; corporate actions
	// folded back so the latest price is unchanged
	AdjustForward AdjustKind = "qfq"
)

// Valid reports whether the adjust kind is one of the two known series.
func (a AdjustKind) Valid() bool {
	return a == AdjustNone || a == AdjustForward
}

// Bar is one day of trading for one symbol.
type Bar struct {
	Symbol       string  `json:"symbol"`
	Date         string  `json:"date"` // YYYY-MM-DD
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	Amount       float64 `json:"amount"`    // Traded value in CNY
	Amplitude    float64 `json:"amplitude"` // (high-low)/prev_close, percent
	ChangePct    float64 `json:"change_pct"`
	ChangeAmount float64 `json:"change_amount"`
	TurnoverRate float64 `json:"turnover_rate"` // Percent of float traded
}

// FundamentalSnapshot is one day of valuation data for one symbol.
// Fields beyond PE/PB are reserved and may be absent upstream.
type FundamentalSnapshot struct {
	Symbol  string   `json:"symbol"`
	Date    string   `json:"date"`
	PE      *float64 `json:"pe"`
	PB      *float64 `json:"pb"`
	PS      *float64 `json:"ps,omitempty"`
	TotalMV *float64 `json:"total_mv,omitempty"` // 亿元
	CircMV  *float64 `json:"circ_mv,omitempty"`  // 亿元
}

// SecurityMeta is the per-symbol master record used by the smart filter.
type SecurityMeta struct {
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Sector   string   `json:"sector,omitempty"`
	Industry string   `json:"industry,omitempty"`
	ListDate string   `json:"list_date,omitempty"` // YYYY-MM-DD
	IsST     bool     `json:"is_st"`
	IsSusp   bool     `json:"is_suspend"`
	IsNewIPO bool     `json:"is_new_ipo"`
	TotalMV  *float64 `json:"total_mv,omitempty"` // Latest total market value, 亿元
}
