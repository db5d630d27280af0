// Package main is the quantdesk entry point. One binary carries the
// daemon and the operational commands: serve runs the HTTP API with the
// cron jobs, signals/backtest/download run one pass of the matching
// service and exit, backup manages the S3 archive.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/backtest"
	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/store"
	"github.com/hualei/quantdesk/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quantdesk",
		Short: "ETF and A-share strategy research platform",
		Long: `Quantdesk evaluates declared trading strategies over a local mirror
of daily Chinese-market history, emits buy/sell signals and runs
rotation and portfolio backtests.

Configuration comes from the environment (.env is honoured): QUANT_*
for paths and ports, PROVIDER_* for the data gateway, BACKUP_S3_* for
the archive bucket and SCHEDULE_* for the cron specs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newSignalsCmd(),
		newBacktestCmd(),
		newDownloadCmd(),
		newBackupCmd(),
	)
	return root
}

// bootstrap is the common preamble of every command: load the
// environment configuration and build the process logger from it.
func bootstrap() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, logger.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	return cfg, log, nil
}

// openStore connects to the SQLite mirror and applies pending
// migrations.
func openStore(cfg *config.Config, log zerolog.Logger) (*store.Store, error) {
	return store.Open(database.Config{Path: cfg.DBPath, Name: "quantdesk"}, log)
}

// feeSchedule maps a configured commission bracket onto the engine's
// fee model.
func feeSchedule(cs config.CommissionSchedule) backtest.FeeSchedule {
	return backtest.FeeSchedule{
		Rate:            cs.Rate,
		MinFee:          cs.MinFee,
		StampTaxRate:    cs.StampTaxRate,
		TransferFeeRate: cs.TransferFeeRate,
	}
}

// parseAsset maps the CLI --mode vocabulary onto the asset classes.
func parseAsset(mode string) (domain.AssetType, error) {
	switch mode {
	case "etf":
		return domain.AssetETF, nil
	case "ashare", "stock":
		return domain.AssetAShare, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want etf or ashare)", mode)
	}
}

// normalizeDate accepts the compact YYYYMMDD form the CLI documents as
// well as YYYY-MM-DD, and returns the internal YYYY-MM-DD form. Empty
// stays empty, meaning "most recent bar".
func normalizeDate(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("invalid date %q (want YYYYMMDD)", s)
}
