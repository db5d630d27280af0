package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// WeightScheme chooses how rotation targets are sized.
type WeightScheme string

const (
	WeighEqually WeightScheme = "equal"
	WeighFixed   WeightScheme = "fixed"
)

// Task is a declarative strategy: what to trade, when to rebalance, and
// the factor expressions that drive selection. Tasks are authored in YAML
// and validated at load time; expression compilation happens in the
// strategy loader on top of this structural validation.
type Task struct {
	Name      string   `yaml:"name" json:"name" validate:"required"`
	Symbols   []string `yaml:"symbols" json:"symbols"` // Empty = resolve from universe
	StartDate string   `yaml:"start_date" json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string   `yaml:"end_date" json:"end_date" validate:"required,datetime=2006-01-02"`
	Benchmark string   `yaml:"benchmark" json:"benchmark"`

	// Adjust selects the price series (raw or forward-adjusted) for every
	// panel read of this task, benchmark included.
	Adjust AdjustKind `yaml:"adjust" json:"adjust" validate:"omitempty,oneof=none qfq"`

	SelectBuy       []string `yaml:"select_buy" json:"select_buy"`
	BuyAtLeastCount int      `yaml:"buy_at_least_count" json:"buy_at_least_count" validate:"gte=0"`

	SelectSell       []string `yaml:"select_sell" json:"select_sell"`
	SellAtLeastCount int      `yaml:"sell_at_least_count" json:"sell_at_least_count" validate:"gte=0"`

	OrderBySignal string `yaml:"order_by_signal" json:"order_by_signal"`
	OrderByTopK   int    `yaml:"order_by_top_k" json:"order_by_top_k" validate:"gte=0"`
	OrderByDropN  int    `yaml:"order_by_drop_n" json:"order_by_drop_n" validate:"gte=0"`
	// OrderByDesc is literal: nil/true sorts scores descending, false
	// ascending (smallest score first). Tasks wanting "cheapest first"
	// must set it to false rather than negate the score.
	OrderByDesc *bool `yaml:"order_by_desc" json:"order_by_desc"`

	Period        PeriodKind `yaml:"period" json:"period"`
	PeriodDays    int        `yaml:"period_days" json:"period_days" validate:"gte=0"`
	RunOnLastDate bool       `yaml:"run_on_last_date" json:"run_on_last_date"`

	Weight       WeightScheme       `yaml:"weight" json:"weight" validate:"omitempty,oneof=equal fixed"`
	FixedWeights map[string]float64 `yaml:"fixed_weights" json:"fixed_weights,omitempty"`

	AShareMode         bool    `yaml:"ashare_mode" json:"ashare_mode"`
	CommissionRate     float64 `yaml:"commission_rate" json:"commission_rate" validate:"gte=0"`
	CommissionSchedule string  `yaml:"commission_schedule" json:"commission_schedule" validate:"omitempty,oneof=v1 v2"`
	InitialCapital     float64 `yaml:"initial_capital" json:"initial_capital" validate:"gte=0"`
}

var validate = validator.New()

// ApplyDefaults fills the zero-value fields the schema leaves optional.
func (t *Task) ApplyDefaults() {
	if t.Adjust == "" {
		t.Adjust = AdjustForward
	}
	if t.Period == "" {
		t.Period = PeriodDaily
	}
	if t.Weight == "" {
		t.Weight = WeighEqually
	}
	if t.SellAtLeastCount == 0 {
		t.SellAtLeastCount = 1
	}
	if t.InitialCapital == 0 {
		t.InitialCapital = 1_000_000
	}
}

// RankDescending resolves the order_by_desc default (true).
func (t *Task) RankDescending() bool {
	return t.OrderByDesc == nil || *t.OrderByDesc
}

// Validate checks the structural load-time rules. Expression syntax is
// checked separately by the strategy loader.
func (t *Task) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("task %q failed validation: %w", t.Name, err)
	}

	if t.BuyAtLeastCount > len(t.SelectBuy) {
		return fmt.Errorf("task %q: buy_at_least_count %d exceeds %d buy conditions",
			t.Name, t.BuyAtLeastCount, len(t.SelectBuy))
	}

	start, err := time.Parse("2006-01-02", t.StartDate)
	if err != nil {
		return fmt.Errorf("task %q: invalid start_date: %w", t.Name, err)
	}
	end, err := time.Parse("2006-01-02", t.EndDate)
	if err != nil {
		return fmt.Errorf("task %q: invalid end_date: %w", t.Name, err)
	}
	if start.After(end) {
		return fmt.Errorf("task %q: start_date %s after end_date %s", t.Name, t.StartDate, t.EndDate)
	}

	if !t.Period.Valid() {
		return fmt.Errorf("task %q: unknown period %q", t.Name, t.Period)
	}
	if t.Period == PeriodEveryN && t.PeriodDays < 1 {
		return fmt.Errorf("task %q: period every_n requires period_days >= 1", t.Name)
	}

	if t.Weight == WeighFixed {
		var sum float64
		for sym, w := range t.FixedWeights {
			if w < 0 {
				return fmt.Errorf("task %q: negative fixed weight for %s", t.Name, sym)
			}
			sum += w
		}
		if sum > 1+1e-9 {
			return fmt.Errorf("task %q: fixed weights sum %.4f exceeds 1", t.Name, sum)
		}
	}

	for _, sym := range t.Symbols {
		if !ValidSymbol(sym) {
			return fmt.Errorf("task %q: invalid symbol %q", t.Name, sym)
		}
	}
	if t.Benchmark != "" && !ValidSymbol(t.Benchmark) {
		return fmt.Errorf("task %q: invalid benchmark %q", t.Name, t.Benchmark)
	}

	return nil
}

// Expressions returns every factor expression the task declares, in a
// stable order: buys, sells, then the ranker.
func (t *Task) Expressions() []string {
	out := make([]string, 0, len(t.SelectBuy)+len(t.SelectSell)+1)
	out = append(out, t.SelectBuy...)
	out = append(out, t.SelectSell...)
	if t.OrderBySignal != "" {
		out = append(out, t.OrderBySignal)
	}
	return out
}

// AssetType infers the table family of the task from its symbols; mixed
// lists resolve to the majority, empty lists default to ETF.
func (t *Task) AssetType() AssetType {
	if len(t.Symbols) == 0 {
		return AssetETF
	}
	etfs := 0
	for _, s := range t.Symbols {
		if IsETF(s) {
			etfs++
		}
	}
	if etfs*2 >= len(t.Symbols) {
		return AssetETF
	}
	return AssetAShare
}
