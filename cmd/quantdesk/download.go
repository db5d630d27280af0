package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/downloader"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/provider"
)

// downloadTimeout bounds a CLI sync. A multi-year cold mirror across
// both asset classes is the slowest thing this binary does.
const downloadTimeout = 6 * time.Hour

func newDownloadCmd() *cobra.Command {
	var (
		years int
		types string
	)

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Sync history and fundamentals from the data gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(years, types)
		},
	}

	cmd.Flags().IntVar(&years, "years", 3, "history window for symbols with no local data")
	cmd.Flags().StringVar(&types, "types", "", "comma-separated subset of etf,stock,fundamental (default: all)")
	return cmd
}

func runDownload(years int, types string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	modes, err := downloader.ParseModes(types)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	client := provider.NewClient(cfg.Provider, log)
	em := events.NewManager(events.NewBus(), log)
	svc := downloader.New(st, client, em, cfg.Provider.DownloadWorkers, log)

	ctx, cancel := context.WithTimeout(context.Background(), downloadTimeout)
	defer cancel()

	summaries, err := svc.Run(ctx, modes, years)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	for _, s := range summaries {
		fmt.Printf("%-12s %d symbols, %d rows inserted, %d failed, %s\n",
			s.Mode, s.Symbols, s.Inserted, len(s.Failed), s.Elapsed.Round(time.Second))
		for _, sym := range s.Failed {
			fmt.Printf("  failed: %s\n", sym)
		}
	}
	return nil
}
