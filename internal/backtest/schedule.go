package backtest

import (
	"time"

	"github.com/hualei/quantdesk/internal/domain"
)

// schedule decides which trading days rebalance. Daily fires on every
// bar, bucketed periods on the first bar of a new bucket, run_once on
// the first bar only, and every_n again once period_days calendar days
// have passed since the last rebalance. run_on_last_date forces one
// final rebalance on the closing bar.
type schedule struct {
	kind      domain.PeriodKind
	everyDays int
	onLastBar bool

	started bool
	lastKey string
	lastRun time.Time
}

func newSchedule(task domain.Task) *schedule {
	return &schedule{
		kind:      task.Period,
		everyDays: task.PeriodDays,
		onLastBar: task.RunOnLastDate,
	}
}

// due reports whether the bar at t rebalances, and advances the state.
func (s *schedule) due(t time.Time, lastBar bool) bool {
	var fire bool
	switch s.kind {
	case domain.PeriodDaily:
		fire = true
	case domain.PeriodRunOnce:
		fire = !s.started
	case domain.PeriodEveryN:
		fire = !s.started || t.Sub(s.lastRun) >= time.Duration(s.everyDays)*24*time.Hour
	default:
		key := s.kind.Key(t)
		fire = key != s.lastKey
		s.lastKey = key
	}
	if lastBar && s.onLastBar {
		fire = true
	}
	s.started = true
	if fire {
		s.lastRun = t
	}
	return fire
}
