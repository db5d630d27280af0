package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hualei/quantdesk/internal/backtest"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/strategy"
)

func newBacktestCmd() *cobra.Command {
	var (
		kind  string
		names []string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run backtests and persist their reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(names) == 0 {
				return fmt.Errorf("pass --name at least once, or --all")
			}
			return runBacktests(kind, names, all)
		},
	}

	cmd.Flags().StringVar(&kind, "type", "rotation", "engine: rotation or portfolio")
	cmd.Flags().StringSliceVar(&names, "name", nil, "strategy name (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "run every loadable strategy")
	return cmd
}

func parseBacktestType(kind string) (domain.BacktestType, error) {
	switch kind {
	case "rotation", "single":
		return domain.BacktestRotation, nil
	case "portfolio":
		return domain.BacktestPortfolio, nil
	default:
		return "", fmt.Errorf("unknown backtest type %q (want rotation or portfolio)", kind)
	}
}

func runBacktests(kind string, names []string, all bool) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	btType, err := parseBacktestType(kind)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	loader := strategy.NewLoader(cfg.Signals.StrategiesDir, log)
	tasks, failures, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load strategies: %w", err)
	}
	for _, f := range failures {
		log.Warn().Str("strategy", f.Name).Err(f.Err).Msg("Strategy failed to load")
	}

	selected, err := selectTasks(tasks, failures, names, all)
	if err != nil {
		return err
	}

	engine := backtest.NewEngine(log).WithSchedules(
		feeSchedule(cfg.Backtest.CommissionV1),
		feeSchedule(cfg.Backtest.CommissionV2),
	)
	runner := backtest.NewRunner(st, engine, backtest.Options{
		RiskFree: cfg.Backtest.RiskFreeRate,
		Timeout:  cfg.Backtest.Timeout,
		Universe: universeFunc(st),
	}, log)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STRATEGY\tSTATUS\tRETURN\tANNUAL\tSHARPE\tMAXDD\tTRADES\tELAPSED")
	for _, task := range selected {
		started := time.Now()
		report := runner.Run(context.Background(), task, btType)
		if _, err := st.Reports.Save(context.Background(), report); err != nil {
			log.Error().Err(err).Str("strategy", task.Name).Msg("Failed to persist report")
		}
		printReportRow(w, report, time.Since(started))
	}
	w.Flush()
	return nil
}

// selectTasks resolves --name/--all against the loaded catalog. A name
// that failed to load is reported with its compile error rather than
// as merely unknown.
func selectTasks(tasks []domain.Task, failures []strategy.LoadFailure, names []string, all bool) ([]domain.Task, error) {
	if all {
		return tasks, nil
	}
	byName := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}
	out := make([]domain.Task, 0, len(names))
	for _, name := range names {
		task, ok := byName[name]
		if !ok {
			for _, f := range failures {
				if f.Name == name {
					return nil, fmt.Errorf("strategy %s failed to load: %w", name, f.Err)
				}
			}
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		out = append(out, task)
	}
	return out, nil
}

func printReportRow(w *tabwriter.Writer, report *domain.BacktestReport, elapsed time.Duration) {
	if report.Status == domain.ReportFailed {
		fmt.Fprintf(w, "%s\tfailed (%s)\t-\t-\t-\t-\t-\t%s\n",
			report.TaskName, report.ErrorCode, elapsed.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%.2f%%\t%.2f%%\t%.2f\t%.2f%%\t%d\t%s\n",
		report.TaskName,
		report.Status,
		report.TotalReturn*100,
		report.AnnualReturn*100,
		report.Sharpe,
		report.MaxDrawdown*100,
		report.TotalTrades,
		elapsed.Round(time.Millisecond))
}
