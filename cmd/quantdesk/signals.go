package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/screener"
	"github.com/hualei/quantdesk/internal/signal"
	"github.com/hualei/quantdesk/internal/strategy"
)

// signalsTimeout bounds one CLI signal run. A cold A-share universe
// preloads a lot of history.
const signalsTimeout = 30 * time.Minute

func newSignalsCmd() *cobra.Command {
	var (
		mode    string
		date    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Generate and persist today's signals for one asset class",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignals(mode, date, workers)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "etf", "asset class: etf or ashare")
	cmd.Flags().StringVar(&date, "date", "", "target date as YYYYMMDD (default: most recent bar)")
	cmd.Flags().IntVar(&workers, "workers", 0, "strategy workers (0 = one per CPU, capped by strategy count)")
	return cmd
}

func runSignals(mode, date string, workers int) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	asset, err := parseAsset(mode)
	if err != nil {
		return err
	}
	target, err := normalizeDate(date)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	filterCfg, err := screener.PresetByName(cfg.Signals.FilterPreset)
	if err != nil {
		return fmt.Errorf("failed to resolve filter preset: %w", err)
	}
	if workers <= 0 {
		workers = cfg.Signals.Workers
	}

	svc := signal.NewService(signal.Options{
		Workers:     workers,
		Filter:      filterCfg,
		SnapshotDir: cfg.Signals.SnapshotDir,
	}, st, st, st, log)
	loader := strategy.NewLoader(cfg.Signals.StrategiesDir, log)
	em := events.NewManager(events.NewBus(), log)
	runner := signal.NewRunner(svc, loader, st.Signals, em, log)

	ctx, cancel := context.WithTimeout(context.Background(), signalsTimeout)
	defer cancel()

	batch, err := runner.Run(ctx, asset, target)
	if err != nil {
		return fmt.Errorf("signal run failed: %w", err)
	}

	printBatch(batch)
	return nil
}

func printBatch(batch *signal.Batch) {
	fmt.Printf("Signals for %s (%s): %d total, %d strategies\n",
		batch.Date, batch.Asset, len(batch.Signals), len(batch.PerTask))

	if len(batch.Signals) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tRANK\tSYMBOL\tPRICE\tSTRATEGIES")
		for _, s := range batch.Signals {
			rank := ""
			if s.Kind == domain.SignalBuy && s.Rank > 0 {
				rank = fmt.Sprintf("%d", s.Rank)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\n", s.Kind, rank, s.Symbol, s.Price, s.StrategiesCSV())
		}
		w.Flush()
	}

	for _, r := range batch.Failed() {
		fmt.Printf("FAILED %s: %v\n", r.Task, r.Err)
	}
}
