package scheduler

import (
	"context"

	"github.com/hualei/quantdesk/internal/backup"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/downloader"
	"github.com/hualei/quantdesk/internal/provider"
	"github.com/hualei/quantdesk/internal/signal"
)

// DownloadService is the downloader surface the post-close job drives.
type DownloadService interface {
	Run(ctx context.Context, modes []downloader.Mode, years int) ([]downloader.Summary, error)
}

// SignalService is the signal runner surface the daily job drives.
type SignalService interface {
	Run(ctx context.Context, asset domain.AssetType, date string) (*signal.Batch, error)
}

// BackupService is the backup surface the nightly job drives.
type BackupService interface {
	Run(ctx context.Context) (*backup.Result, error)
	Prune(ctx context.Context) (int, error)
}

// MarketStatusSource hands out the cached session state. The stream's
// Snapshot reports false once the cache goes stale.
type MarketStatusSource interface {
	Snapshot() (provider.MarketStatus, bool)
}
