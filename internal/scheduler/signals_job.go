package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
)

const signalsJobTimeout = 30 * time.Minute

// SignalsJob generates and persists the day's signals for both asset
// classes after the post-close sync has landed fresh bars.
type SignalsJob struct {
	signals SignalService
	timeout time.Duration
	log     zerolog.Logger
}

// NewSignalsJob creates the daily signal generation job.
func NewSignalsJob(signals SignalService, log zerolog.Logger) *SignalsJob {
	return &SignalsJob{
		signals: signals,
		timeout: signalsJobTimeout,
		log:     log.With().Str("job", "daily_signals").Logger(),
	}
}

// Name returns the job name.
func (j *SignalsJob) Name() string {
	return "daily_signals"
}

// Run generates signals for ETFs and A-shares against the latest
// loaded bar. One asset class failing does not stop the other; the
// first failure comes back as the job error.
func (j *SignalsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var firstErr error
	for _, asset := range []domain.AssetType{domain.AssetETF, domain.AssetAShare} {
		batch, err := j.signals.Run(ctx, asset, "")
		if err != nil {
			j.log.Error().Err(err).Str("asset", string(asset)).Msg("Signal generation failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("signal generation for %s failed: %w", asset, err)
			}
			continue
		}
		j.log.Info().
			Str("asset", string(asset)).
			Str("date", batch.Date).
			Int("signals", len(batch.Signals)).
			Msg("Signals generated")
	}
	return firstErr
}
