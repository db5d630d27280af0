// Package backtest simulates strategies against historical panels. Two
// engines share one accounting core: the rotation engine rebalances on
// a period calendar, the portfolio engine on signal-set changes. Both
// produce a daily equity curve, a trade log and a final report.
package backtest

import "github.com/hualei/quantdesk/internal/domain"

// costModel prices the fees of a fill. Buys pay on top of the trade
// amount, sells deduct from the proceeds.
type costModel interface {
	BuyFee(amount float64) float64
	SellFee(amount float64) float64
}

// flatFee charges one rate per side, the plain commission_rate model.
type flatFee struct {
	rate float64
}

func (f flatFee) BuyFee(amount float64) float64  { return amount * f.rate }
func (f flatFee) SellFee(amount float64) float64 { return amount * f.rate }

// FeeSchedule is the A-share fee model: broker commission with an
// absolute floor, stamp tax on the sell side, transfer fee both sides.
type FeeSchedule struct {
	Rate            float64 // Commission per side
	MinFee          float64 // Commission floor per fill, CNY
	StampTaxRate    float64 // Sell side only
	TransferFeeRate float64 // Both sides
}

// BuyFee returns the cost added on top of a buy amount.
func (f FeeSchedule) BuyFee(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	commission := amount * f.Rate
	if commission < f.MinFee {
		commission = f.MinFee
	}
	return commission + amount*f.TransferFeeRate
}

// SellFee returns the cost deducted from sell proceeds.
func (f FeeSchedule) SellFee(amount float64) float64 {
	if amount <= 0 {
		return 0
	}
	commission := amount * f.Rate
	if commission < f.MinFee {
		commission = f.MinFee
	}
	return commission + amount*(f.StampTaxRate+f.TransferFeeRate)
}

// Fallback brackets for the named commission schedules, matching the
// configuration defaults. v1 reflects the brackets before the 2023
// stamp-tax cut, v2 the ones after it.
var (
	DefaultScheduleV1 = FeeSchedule{Rate: 3e-4, MinFee: 5, StampTaxRate: 1e-3, TransferFeeRate: 2e-5}
	DefaultScheduleV2 = FeeSchedule{Rate: 2.5e-4, MinFee: 5, StampTaxRate: 5e-4, TransferFeeRate: 1e-5}
)

// feeModel picks the pricing of a task: a named schedule when one is
// declared, otherwise the flat commission_rate on both sides.
func (e *Engine) feeModel(task domain.Task) costModel {
	switch task.CommissionSchedule {
	case "v1":
		return e.schedV1
	case "v2":
		return e.schedV2
	}
	return flatFee{rate: task.CommissionRate}
}
