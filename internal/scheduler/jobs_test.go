package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/backup"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/downloader"
	"github.com/hualei/quantdesk/internal/provider"
	"github.com/hualei/quantdesk/internal/signal"
	"github.com/hualei/quantdesk/pkg/logger"
)

type fakeDownloads struct {
	mu    sync.Mutex
	calls [][]downloader.Mode
	err   error
}

func (f *fakeDownloads) Run(_ context.Context, modes []downloader.Mode, _ int) ([]downloader.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modes)
	if f.err != nil {
		return nil, f.err
	}
	return []downloader.Summary{{Mode: downloader.ModeETF, Symbols: 2, Inserted: 10}}, nil
}

type fakeStatus struct {
	snap  provider.MarketStatus
	fresh bool
}

func (f *fakeStatus) Snapshot() (provider.MarketStatus, bool) { return f.snap, f.fresh }

func TestDownloadJobSkipsActiveSession(t *testing.T) {
	downloads := &fakeDownloads{}
	status := &fakeStatus{snap: provider.MarketStatus{Status: provider.StatusOpen, TradeDate: "2024-06-14"}, fresh: true}
	job := NewDownloadJob(downloads, status, logger.Nop())

	require.NoError(t, job.Run(), "skipping is not a failure")
	assert.Empty(t, downloads.calls, "no sync while the session is active")
}

func TestDownloadJobRunsAfterClose(t *testing.T) {
	downloads := &fakeDownloads{}
	status := &fakeStatus{snap: provider.MarketStatus{Status: provider.StatusClosed}, fresh: true}
	job := NewDownloadJob(downloads, status, logger.Nop())

	require.NoError(t, job.Run())
	require.Len(t, downloads.calls, 1)
	assert.Equal(t, []downloader.Mode{downloader.ModeETF, downloader.ModeStock, downloader.ModeFundamental},
		downloads.calls[0], "the post-close pass covers every mode")
}

func TestDownloadJobRunsOnStaleCache(t *testing.T) {
	downloads := &fakeDownloads{}
	status := &fakeStatus{snap: provider.MarketStatus{Status: provider.StatusOpen}, fresh: false}
	job := NewDownloadJob(downloads, status, logger.Nop())

	require.NoError(t, job.Run())
	assert.Len(t, downloads.calls, 1, "a dead websocket must not wedge the sync")
}

func TestDownloadJobRunsWithoutStatusSource(t *testing.T) {
	downloads := &fakeDownloads{}
	job := NewDownloadJob(downloads, nil, logger.Nop())

	require.NoError(t, job.Run())
	assert.Len(t, downloads.calls, 1)
}

func TestDownloadJobWrapsServiceError(t *testing.T) {
	downloads := &fakeDownloads{err: errors.New("gateway unreachable")}
	job := NewDownloadJob(downloads, nil, logger.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download run failed")
}

type fakeSignalRunner struct {
	mu     sync.Mutex
	assets []domain.AssetType
	errFor map[domain.AssetType]error
}

func (f *fakeSignalRunner) Run(_ context.Context, asset domain.AssetType, _ string) (*signal.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, asset)
	if err := f.errFor[asset]; err != nil {
		return nil, err
	}
	return &signal.Batch{Date: "2024-06-14", Asset: asset}, nil
}

func TestSignalsJobCoversBothAssetClasses(t *testing.T) {
	signals := &fakeSignalRunner{}
	job := NewSignalsJob(signals, logger.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, []domain.AssetType{domain.AssetETF, domain.AssetAShare}, signals.assets)
}

func TestSignalsJobContinuesPastFailure(t *testing.T) {
	signals := &fakeSignalRunner{errFor: map[domain.AssetType]error{
		domain.AssetETF: errors.New("panel load failed"),
	}}
	job := NewSignalsJob(signals, logger.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etf")
	assert.Equal(t, []domain.AssetType{domain.AssetETF, domain.AssetAShare}, signals.assets,
		"the A-share pass still runs after the ETF pass fails")
}

type fakeBackups struct {
	runs     int
	prunes   int
	runErr   error
	pruneErr error
}

func (f *fakeBackups) Run(_ context.Context) (*backup.Result, error) {
	f.runs++
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &backup.Result{Key: "backups/quantdesk-backup-2024-06-14-020000.tar.gz", SizeBytes: 1024}, nil
}

func (f *fakeBackups) Prune(_ context.Context) (int, error) {
	f.prunes++
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	return 1, nil
}

func TestBackupJobRunsThenPrunes(t *testing.T) {
	backups := &fakeBackups{}
	job := NewBackupJob(backups, logger.Nop())

	require.NoError(t, job.Run())
	assert.Equal(t, 1, backups.runs)
	assert.Equal(t, 1, backups.prunes)
}

func TestBackupJobUploadFailureSkipsPrune(t *testing.T) {
	backups := &fakeBackups{runErr: errors.New("bucket gone")}
	job := NewBackupJob(backups, logger.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup failed")
	assert.Equal(t, 0, backups.prunes, "rotation needs a successful upload first")
}

func TestBackupJobPruneFailureSurfaces(t *testing.T) {
	backups := &fakeBackups{pruneErr: errors.New("list failed")}
	job := NewBackupJob(backups, logger.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotation failed")
}
