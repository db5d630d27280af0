package signal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/strategy"
)

// TaskSource supplies the strategy catalog for a run. The strategy
// loader satisfies it; runs reload the catalog so edited YAML files
// take effect without a restart.
type TaskSource interface {
	Load() ([]domain.Task, []strategy.LoadFailure, error)
}

// SignalStore persists a generated batch.
type SignalStore interface {
	Save(ctx context.Context, asset domain.AssetType, signals []domain.Signal) ([]int64, error)
}

// Runner ties catalog loading, generation and persistence into the one
// operation the scheduler, the HTTP API and the CLI all invoke.
type Runner struct {
	svc     *Service
	tasks   TaskSource
	signals SignalStore
	events  *events.Manager
	log     zerolog.Logger
}

// NewRunner wires a signal runner.
func NewRunner(svc *Service, tasks TaskSource, signals SignalStore, em *events.Manager, log zerolog.Logger) *Runner {
	return &Runner{
		svc:     svc,
		tasks:   tasks,
		signals: signals,
		events:  em,
		log:     log.With().Str("component", "signal_runner").Logger(),
	}
}

// Run generates and persists signals for one asset class. An empty
// date targets the most recent loaded bar; the resolved date comes
// back on the batch.
func (r *Runner) Run(ctx context.Context, asset domain.AssetType, date string) (*Batch, error) {
	tasks, failures, err := r.tasks.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}
	for _, f := range failures {
		r.log.Warn().Str("file", f.File).Err(f.Err).Msg("Strategy skipped")
	}

	selected := filterTasks(tasks, asset)
	if len(selected) == 0 {
		r.log.Warn().Str("asset", string(asset)).Msg("No strategies target this asset class")
	}

	batch, err := r.svc.Generate(ctx, selected, asset, date)
	if err != nil {
		if r.events != nil {
			r.events.EmitError("signal_runner", err, map[string]interface{}{
				"asset": string(asset),
				"date":  date,
			})
		}
		return nil, err
	}

	if len(batch.Signals) > 0 {
		if _, err := r.signals.Save(ctx, asset, batch.Signals); err != nil {
			return nil, fmt.Errorf("failed to persist signals: %w", err)
		}
	}

	var buys, sells, holds int
	for _, sig := range batch.Signals {
		switch sig.Kind {
		case domain.SignalBuy:
			buys++
		case domain.SignalSell:
			sells++
		case domain.SignalHold:
			holds++
		}
	}

	if r.events != nil {
		r.events.EmitTyped(events.SignalsGenerated, "signal_runner", &events.SignalsGeneratedData{
			Asset: string(asset),
			Date:  batch.Date,
			Buys:  buys,
			Sells: sells,
			Holds: holds,
			Tasks: len(batch.PerTask),
		})
	}

	return batch, nil
}

// filterTasks keeps universe tasks (empty symbol list) and the tasks
// whose symbols resolve to the asset class.
func filterTasks(tasks []domain.Task, asset domain.AssetType) []domain.Task {
	var out []domain.Task
	for _, t := range tasks {
		if len(t.Symbols) == 0 || t.AssetType() == asset {
			out = append(out, t)
		}
	}
	return out
}
