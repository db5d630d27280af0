package domain

import (
	"fmt"
	"time"
)

// PeriodKind is the rebalance calendar of a rotation task.
type PeriodKind string

const (
	PeriodDaily     PeriodKind = "daily"
	PeriodWeekly    PeriodKind = "weekly"
	PeriodMonthly   PeriodKind = "monthly"
	PeriodQuarterly PeriodKind = "quarterly"
	PeriodYearly    PeriodKind = "yearly"
	PeriodEveryN    PeriodKind = "every_n"  // Every task.PeriodDays trading-calendar days
	PeriodRunOnce   PeriodKind = "run_once" // First bar only
)

// Valid reports whether the period kind is known.
func (p PeriodKind) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodQuarterly, PeriodYearly,
		PeriodEveryN, PeriodRunOnce:
		return true
	}
	return false
}

// Key maps a date into the period bucket it belongs to. Two dates share a
// bucket iff no rebalance is due between them. Daily keys are the date
// itself; every_n and run_once are driven by date arithmetic in the
// scheduler, not by keys, and return the date for logging purposes.
func (p PeriodKind) Key(t time.Time) string {
	switch p {
	case PeriodWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case PeriodMonthly:
		return t.Format("2006-01")
	case PeriodQuarterly:
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
	case PeriodYearly:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02")
	}
}
