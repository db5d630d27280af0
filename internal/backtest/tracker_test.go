package backtest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
)

func TestTrackerRequiresAdvancingDates(t *testing.T) {
	track := newTracker(4)
	require.NoError(t, track.Append("2024-01-02", 100, 0, 0))

	err := track.Append("2024-01-02", 101, 0, 0)
	require.Error(t, err, "a repeated date corrupts the curve")
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))

	err = track.Append("2024-01-01", 101, 0, 0)
	require.Error(t, err, "a rewound date corrupts the curve")
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))

	require.NoError(t, track.Append("2024-01-03", 101, 0, 0))
	assert.Len(t, track.Curve(), 2)
}

func TestTrackerRejectsNonFiniteEquity(t *testing.T) {
	track := newTracker(2)

	err := track.Append("2024-01-02", math.NaN(), 0, 0)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))

	err = track.Append("2024-01-02", math.Inf(1), 0, 0)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeCorruptCurve))
}

func TestTrackerTurnoverDecaysOutsideTheWindow(t *testing.T) {
	track := newTracker(25)
	dates := tradingDays("2024-01-01", 25)
	for i, d := range dates {
		buys := 0.0
		if i == 0 {
			buys = 1_000_000
		}
		require.NoError(t, track.Append(d, 1_000_000, buys, 0))
	}

	// The entry day contributes 1M flow against a 2M two-sided base for
	// twenty days, then rolls out of the window entirely.
	assert.InDelta(t, 20*0.5/25, track.AvgTurnover(), 1e-9)
}

func TestTrackerCurveKeepsInsertionOrder(t *testing.T) {
	track := newTracker(3)
	require.NoError(t, track.Append("2024-01-02", 100, 0, 0))
	require.NoError(t, track.Append("2024-01-03", 110, 0, 0))
	require.NoError(t, track.Append("2024-01-04", 105, 0, 0))

	curve := track.Curve()
	require.Len(t, curve, 3)
	assert.Equal(t, domain.EquityPoint{Date: "2024-01-03", Value: 110}, curve[1])
	assert.Equal(t, []float64{100, 110, 105}, track.Values())
}
