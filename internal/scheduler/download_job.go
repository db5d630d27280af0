package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/downloader"
	"github.com/hualei/quantdesk/internal/provider"
)

// A full history pass across both asset classes plus fundamentals can
// take a while on a cold mirror.
const downloadJobTimeout = 2 * time.Hour

// DownloadJob syncs the history mirror after the session close. When
// the market-status cache is fresh and reports an active session the
// job skips, so a delayed close never races the sync.
type DownloadJob struct {
	downloads DownloadService
	status    MarketStatusSource
	timeout   time.Duration
	log       zerolog.Logger
}

// NewDownloadJob creates the post-close download job.
func NewDownloadJob(downloads DownloadService, status MarketStatusSource, log zerolog.Logger) *DownloadJob {
	return &DownloadJob{
		downloads: downloads,
		status:    status,
		timeout:   downloadJobTimeout,
		log:       log.With().Str("job", "post_close_download").Logger(),
	}
}

// Name returns the job name.
func (j *DownloadJob) Name() string {
	return "post_close_download"
}

// Run executes the sync across all modes. A stale status cache does not
// block the run; the schedule already targets time after the close.
func (j *DownloadJob) Run() error {
	if j.status != nil {
		if snap, fresh := j.status.Snapshot(); fresh && snap.Status != provider.StatusClosed {
			j.log.Warn().
				Str("status", snap.Status).
				Str("trade_date", snap.TradeDate).
				Msg("Session still active, skipping post-close download")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	modes := []downloader.Mode{downloader.ModeETF, downloader.ModeStock, downloader.ModeFundamental}
	summaries, err := j.downloads.Run(ctx, modes, 0)
	if err != nil {
		return fmt.Errorf("download run failed: %w", err)
	}

	for _, summary := range summaries {
		if len(summary.Failed) > 0 {
			j.log.Warn().
				Str("mode", string(summary.Mode)).
				Int("failed", len(summary.Failed)).
				Msg("Some symbols did not sync")
		}
	}
	return nil
}
