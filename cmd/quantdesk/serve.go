package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/backtest"
	"github.com/hualei/quantdesk/internal/backup"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/downloader"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/provider"
	"github.com/hualei/quantdesk/internal/queue"
	"github.com/hualei/quantdesk/internal/scheduler"
	"github.com/hualei/quantdesk/internal/screener"
	"github.com/hualei/quantdesk/internal/server"
	"github.com/hualei/quantdesk/internal/signal"
	"github.com/hualei/quantdesk/internal/store"
	"github.com/hualei/quantdesk/internal/strategy"
	"github.com/hualei/quantdesk/internal/telemetry"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API daemon with the cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting quantdesk")

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	em := events.NewManager(bus, log)

	metrics := telemetry.New()
	unbind := metrics.BindBus(bus)
	defer unbind()

	client := provider.NewClient(cfg.Provider, log)

	// The market-status stream is optional; without it the download job
	// falls back to its schedule alone.
	var stream *provider.MarketStatusStream
	if cfg.Provider.StatusWSURL != "" {
		stream = provider.NewMarketStatusStream(cfg.Provider.StatusWSURL, bus, log)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("Market status stream failed to start, continuing without it")
			stream = nil
		} else {
			defer stream.Stop()
		}
	}

	downloads := downloader.New(st, client, em, cfg.Provider.DownloadWorkers, log)
	loader := strategy.NewLoader(cfg.Signals.StrategiesDir, log)

	filterCfg, err := screener.PresetByName(cfg.Signals.FilterPreset)
	if err != nil {
		return fmt.Errorf("failed to resolve filter preset: %w", err)
	}

	sigService := signal.NewService(signal.Options{
		Workers:     cfg.Signals.Workers,
		Filter:      filterCfg,
		SnapshotDir: cfg.Signals.SnapshotDir,
	}, st, st, st, log)
	sigRunner := signal.NewRunner(sigService, loader, st.Signals, em, log)

	engine := backtest.NewEngine(log).WithSchedules(
		feeSchedule(cfg.Backtest.CommissionV1),
		feeSchedule(cfg.Backtest.CommissionV2),
	)
	btRunner := backtest.NewRunner(st, engine, backtest.Options{
		RiskFree: cfg.Backtest.RiskFreeRate,
		Timeout:  cfg.Backtest.Timeout,
		Universe: universeFunc(st),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backtests := queue.NewManager(queue.Config{
		Backtester: btRunner,
		Catalog:    loader,
		Reports:    st.Reports,
		Events:     em,
	}, log)
	backtests.Start(ctx)

	// Backup service only when a bucket is configured.
	var backups *backup.Service
	if cfg.Backup.Enabled {
		s3, err := backup.NewS3Client(ctx, cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to build backup client: %w", err)
		}
		backups = backup.New(s3, st.DB(), cfg.Backup, cfg.DataDir, em, log)
	}

	var statusSrc scheduler.MarketStatusSource
	if stream != nil {
		statusSrc = stream
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(log)
		if err := sched.AddJob(cfg.Scheduler.DownloadSpec, scheduler.NewDownloadJob(downloads, statusSrc, log)); err != nil {
			return fmt.Errorf("failed to schedule download job: %w", err)
		}
		if err := sched.AddJob(cfg.Scheduler.SignalsSpec, scheduler.NewSignalsJob(sigRunner, log)); err != nil {
			return fmt.Errorf("failed to schedule signals job: %w", err)
		}
		if backups != nil {
			if err := sched.AddJob(cfg.Scheduler.BackupSpec, scheduler.NewBackupJob(backups, log)); err != nil {
				return fmt.Errorf("failed to schedule backup job: %w", err)
			}
		}
		sched.Start()
		defer sched.Stop()
	}

	var serverStatus server.StatusSource
	if stream != nil {
		serverStatus = stream
	}
	srv := server.New(server.Config{
		Port:       cfg.Port,
		Log:        log,
		Store:      st,
		Bus:        bus,
		Metrics:    metrics,
		Signals:    sigRunner,
		Strategies: loader,
		Backtests:  backtests,
		Status:     serverStatus,
		DataDir:    cfg.DataDir,
		DevMode:    cfg.DevMode,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// Stop the queue worker; a backtest in flight finishes its report.
	cancel()
	backtests.Wait()

	log.Info().Msg("Quantdesk stopped")
	return nil
}

// universeFunc resolves the full asset-class universe for tasks that
// declare no symbols, matching the signal service's history floor.
func universeFunc(st *store.Store) backtest.UniverseFunc {
	return func(ctx context.Context, asset domain.AssetType) ([]string, error) {
		return st.ListSymbols(ctx, asset, screener.DefaultMinDataDays)
	}
}
