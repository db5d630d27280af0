package backtest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/factor"
	"github.com/hualei/quantdesk/internal/signal"
)

// DefaultTimeout is the per-task wall clock budget.
const DefaultTimeout = 30 * time.Minute

// DefaultVersion tags report identities when the caller does not
// version its strategies.
const DefaultVersion = "v1"

// UniverseFunc resolves the tradable symbols for tasks that declare
// none. The signal service's screener-backed resolver fits here.
type UniverseFunc func(ctx context.Context, asset domain.AssetType) ([]string, error)

// Options tunes a runner.
type Options struct {
	Version  string        // Report identity version, default "v1"
	RiskFree float64       // Annual risk-free rate, default 3%
	Timeout  time.Duration // Per-task budget, default 30 minutes
	Lookback int           // Calendar days of warmup history before start_date
	Universe UniverseFunc  // Resolves tasks with no declared symbols
}

// Runner prepares the data domain of a task, drives one engine run
// under the timeout and assembles the report. Run never returns an
// error: failures come back as a persistable report with status
// "failed" and a machine-readable code.
type Runner struct {
	opts   Options
	engine *Engine
	bars   factor.Source
	log    zerolog.Logger
}

// NewRunner creates a runner over the given bar source.
func NewRunner(bars factor.Source, engine *Engine, opts Options, log zerolog.Logger) *Runner {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if opts.RiskFree == 0 {
		opts.RiskFree = 0.03
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Lookback <= 0 {
		opts.Lookback = signal.DefaultLookbackDays
	}
	return &Runner{
		opts:   opts,
		engine: engine,
		bars:   bars,
		log:    log.With().Str("component", "backtest_runner").Logger(),
	}
}

// Run executes one task on the engine picked by kind ("portfolio"
// selects the basket engine, anything else the rotation engine).
func (r *Runner) Run(ctx context.Context, task domain.Task, kind domain.BacktestType) *domain.BacktestReport {
	task.ApplyDefaults()
	if err := task.Validate(); err != nil {
		return r.failed(task, kind, err)
	}
	if _, err := factor.CompileAll(task.Expressions()); err != nil {
		return r.failed(task, kind, domain.WrapError(domain.ErrCodeStrategyCompile, err,
			"task %s has an invalid expression", task.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	universe, err := r.resolveUniverse(ctx, task)
	if err != nil {
		return r.failed(task, kind, err)
	}

	cache, err := r.buildCache(ctx, task, universe)
	if err != nil {
		return r.failed(task, kind, err)
	}

	var res *Result
	switch kind {
	case domain.BacktestPortfolio:
		res, err = r.engine.RunPortfolio(ctx, task, cache, universe)
	default:
		res, err = r.engine.RunRotation(ctx, task, cache, universe)
	}
	if err != nil {
		return r.failed(task, kind, err)
	}

	report, err := Assemble(res, r.opts.Version, r.opts.RiskFree)
	if err != nil {
		return r.failed(task, kind, err)
	}
	return report
}

func (r *Runner) resolveUniverse(ctx context.Context, task domain.Task) ([]string, error) {
	universe := append([]string(nil), task.Symbols...)
	if len(universe) == 0 {
		if r.opts.Universe == nil {
			return nil, domain.NewError(domain.ErrCodeEmptyUniverse,
				"task %s declares no symbols and no universe resolver is configured", task.Name)
		}
		resolved, err := r.opts.Universe(ctx, task.AssetType())
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeTransientIO, err,
				"task %s: failed to resolve universe", task.Name)
		}
		universe = resolved
	}
	if len(universe) == 0 {
		return nil, domain.NewError(domain.ErrCodeEmptyUniverse,
			"task %s resolved to an empty universe", task.Name)
	}
	sort.Strings(universe)
	return universe, nil
}

// buildCache preloads the factor panels over the warmup-extended
// window, with the benchmark symbol included so its curve can replay
// from the same data.
func (r *Runner) buildCache(ctx context.Context, task domain.Task, universe []string) (*factor.Cache, error) {
	symbols := universe
	if task.Benchmark != "" {
		symbols = append(append([]string(nil), universe...), task.Benchmark)
	}
	start, err := time.Parse("2006-01-02", task.StartDate)
	if err != nil {
		return nil, err
	}
	cache := factor.NewCache(r.bars, factor.CacheKey{
		Symbols: symbols,
		Start:   start.AddDate(0, 0, -r.opts.Lookback).Format("2006-01-02"),
		End:     task.EndDate,
		Adjust:  task.Adjust,
	}, r.log)
	if err := cache.Preload(ctx, task.Expressions()); err != nil {
		return nil, domain.WrapError(domain.ErrCodeTransientIO, err,
			"task %s: failed to preload factor panels", task.Name)
	}
	return cache, nil
}

// failed maps the cause onto the coded failure report. The context
// deadline becomes the timeout code so operators can tell a slow task
// from a broken one.
func (r *Runner) failed(task domain.Task, kind domain.BacktestType, err error) *domain.BacktestReport {
	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.WrapError(domain.ErrCodeBacktestTimeout, err,
			"task %s exceeded the %s budget", task.Name, r.opts.Timeout)
	}
	if kind == "" {
		kind = domain.BacktestRotation
	}
	r.log.Error().
		Err(err).
		Str("task", task.Name).
		Str("type", string(kind)).
		Msg("Backtest failed")
	return FailedReport(task, r.opts.Version, kind, err)
}
