package signal

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/factor"
	"github.com/hualei/quantdesk/internal/screener"
	"github.com/rs/zerolog"
)

// DefaultLookbackDays is how much calendar history a run loads behind
// the target date. Two years keeps 250-bar windows fully formed.
const DefaultLookbackDays = 730

// UniverseStore lists the investable symbols of an asset class and
// their master records.
type UniverseStore interface {
	ListSymbols(ctx context.Context, asset domain.AssetType, minDays int) ([]string, error)
	SecurityMetas(ctx context.Context, symbols []string) (map[string]domain.SecurityMeta, error)
}

// PositionSource reports the symbols a strategy currently holds.
type PositionSource interface {
	HeldSymbols(ctx context.Context, strategy string) ([]string, error)
}

// Options tunes a signal run.
type Options struct {
	Workers      int // 0 = min(GOMAXPROCS, task count)
	Filter       screener.Config
	LookbackDays int    // Calendar days behind the target date, 0 = default
	SnapshotDir  string // Factor snapshot cache, empty disables it
}

// TaskResult is one task's outcome inside a batch.
type TaskResult struct {
	Task    string          `json:"task"`
	Signals []domain.Signal `json:"signals"`
	Err     error           `json:"-"`
}

// Batch is the merged outcome of one signal run.
type Batch struct {
	Date    string           `json:"date"`
	Asset   domain.AssetType `json:"asset"`
	Signals []domain.Signal  `json:"signals"`
	PerTask []TaskResult     `json:"per_task"`
}

// Failed lists the tasks that errored, in input order.
func (b *Batch) Failed() []TaskResult {
	var out []TaskResult
	for _, r := range b.PerTask {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Service resolves universes, preloads factor panels and runs the
// generator across tasks on a bounded worker pool.
type Service struct {
	opts      Options
	universe  UniverseStore
	positions PositionSource
	bars      factor.Source
	gen       *Generator
	filter    *screener.Filter
	log       zerolog.Logger
}

// NewService wires a signal service.
func NewService(opts Options, universe UniverseStore, positions PositionSource, bars factor.Source, log zerolog.Logger) *Service {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	return &Service{
		opts:      opts,
		universe:  universe,
		positions: positions,
		bars:      bars,
		gen:       NewGenerator(log),
		filter:    screener.New(opts.Filter, log),
		log:       log.With().Str("component", "signal_service").Logger(),
	}
}

// Generate runs every task against the asset class universe for the
// target date. An empty targetDate means the most recent loaded bar.
// Single tasks failing are reported in the batch, not returned as an
// error; only run-level failures (universe listing, panel load) are.
func (s *Service) Generate(ctx context.Context, tasks []domain.Task, asset domain.AssetType, targetDate string) (*Batch, error) {
	if len(tasks) == 0 {
		return &Batch{Date: targetDate, Asset: asset}, nil
	}
	started := time.Now()

	classSyms, err := s.universe.ListSymbols(ctx, asset, screener.DefaultMinDataDays)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeTransientIO, err, "failed to list %s universe", asset)
	}
	if len(classSyms) == 0 {
		s.log.Warn().Str("asset", string(asset)).Msg("No symbols with enough history, nothing to evaluate")
		return &Batch{Date: targetDate, Asset: asset}, nil
	}
	sort.Strings(classSyms)

	metas, err := s.universe.SecurityMetas(ctx, classSyms)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeTransientIO, err, "failed to load security metadata")
	}

	caches, err := s.buildCaches(ctx, tasks, classSyms, targetDate)
	if err != nil {
		return nil, err
	}

	date := targetDate
	if date == "" {
		date = lastLoadedDate(caches)
	}
	if date == "" {
		return nil, domain.NewError(domain.ErrCodeMissingData, "no bars loaded for %s universe", asset)
	}

	results := s.runTasks(ctx, tasks, caches, classSyms, metas, date)

	batch := &Batch{Date: date, Asset: asset, PerTask: results, Signals: mergeSignals(results)}
	s.log.Info().
		Str("asset", string(asset)).
		Str("date", date).
		Int("tasks", len(tasks)).
		Int("failed", len(batch.Failed())).
		Int("signals", len(batch.Signals)).
		Dur("elapsed", time.Since(started)).
		Msg("Signal run complete")
	return batch, nil
}

// buildCaches groups tasks by price series and preloads one shared
// cache per series over the full class universe.
func (s *Service) buildCaches(ctx context.Context, tasks []domain.Task, symbols []string, targetDate string) (map[domain.AdjustKind]*factor.Cache, error) {
	end := targetDate
	if end == "" {
		end = time.Now().Format("2006-01-02")
	}
	endDay, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeMissingData, "invalid target date %q", targetDate)
	}
	start := endDay.AddDate(0, 0, -s.opts.LookbackDays).Format("2006-01-02")

	exprsByAdjust := make(map[domain.AdjustKind][]string)
	for _, t := range tasks {
		exprsByAdjust[t.Adjust] = append(exprsByAdjust[t.Adjust], t.Expressions()...)
	}

	caches := make(map[domain.AdjustKind]*factor.Cache, len(exprsByAdjust))
	for adjust, exprs := range exprsByAdjust {
		cache := factor.NewCache(s.bars, factor.CacheKey{
			Symbols: symbols,
			Start:   start,
			End:     end,
			Adjust:  adjust,
		}, s.log)
		warm := s.restoreSnapshot(cache)
		if err := cache.Preload(ctx, exprs); err != nil {
			return nil, err
		}
		if !warm {
			s.persistSnapshot(cache)
		}
		caches[adjust] = cache
	}
	return caches, nil
}

// restoreSnapshot warms a cache from its on-disk snapshot, skipping the
// database load when one matches. Missing or stale snapshots are not
// errors; the cache just loads cold.
func (s *Service) restoreSnapshot(cache *factor.Cache) bool {
	if s.opts.SnapshotDir == "" {
		return false
	}
	path := filepath.Join(s.opts.SnapshotDir, factor.SnapshotFilename(cache.Key()))
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := cache.LoadSnapshot(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Ignoring unusable factor snapshot")
		return false
	}
	return true
}

// persistSnapshot writes the freshly loaded raw columns so the next run
// over the same domain starts warm. Best effort only.
func (s *Service) persistSnapshot(cache *factor.Cache) {
	if s.opts.SnapshotDir == "" {
		return
	}
	path := filepath.Join(s.opts.SnapshotDir, factor.SnapshotFilename(cache.Key()))
	if err := cache.SaveSnapshot(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Failed to persist factor snapshot")
	}
}

// runTasks evaluates tasks on a bounded worker pool and returns results
// in input order.
func (s *Service) runTasks(ctx context.Context, tasks []domain.Task, caches map[domain.AdjustKind]*factor.Cache, classSyms []string, metas map[string]domain.SecurityMeta, date string) []TaskResult {
	type job struct {
		index int
		task  domain.Task
	}
	type result struct {
		index int
		res   TaskResult
	}

	jobs := make(chan job, len(tasks))
	results := make(chan result, len(tasks))

	workers := s.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{j.index, TaskResult{Task: j.task.Name, Err: err}}
					continue
				}
				sigs, err := s.runTask(ctx, j.task, caches[j.task.Adjust], classSyms, metas, date)
				results <- result{j.index, TaskResult{Task: j.task.Name, Signals: sigs, Err: err}}
			}
		}()
	}

	for i, t := range tasks {
		jobs <- job{index: i, task: t}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]TaskResult, len(tasks))
	for r := range results {
		out[r.index] = r.res
	}
	for _, r := range out {
		if r.Err != nil {
			s.log.Error().Err(r.Err).Str("task", r.Task).Msg("Task evaluation failed")
		}
	}
	return out
}

// runTask resolves one task's universe and evaluates it.
func (s *Service) runTask(ctx context.Context, task domain.Task, cache *factor.Cache, classSyms []string, metas map[string]domain.SecurityMeta, date string) ([]domain.Signal, error) {
	universe, err := s.resolveUniverse(task, cache, classSyms, metas)
	if err != nil {
		return nil, err
	}

	held, err := s.positions.HeldSymbols(ctx, task.Name)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeTransientIO, err, "failed to load holdings for %s", task.Name)
	}

	return s.gen.Evaluate(task, cache, universe, held, date)
}

// resolveUniverse intersects the task's declared symbols with the asset
// class list, then runs the smart filter over the survivors.
func (s *Service) resolveUniverse(task domain.Task, cache *factor.Cache, classSyms []string, metas map[string]domain.SecurityMeta) ([]string, error) {
	base := classSyms
	if len(task.Symbols) > 0 {
		inClass := make(map[string]bool, len(classSyms))
		for _, sym := range classSyms {
			inClass[sym] = true
		}
		base = make([]string, 0, len(task.Symbols))
		for _, sym := range task.Symbols {
			if inClass[sym] {
				base = append(base, sym)
			}
		}
		sort.Strings(base)
	}
	if len(base) == 0 {
		return nil, nil
	}

	closes, err := cache.Column("close")
	if err != nil {
		return nil, err
	}
	turnover, err := cache.Column("turnover_rate")
	if err != nil {
		return nil, err
	}
	amount, err := cache.Column("amount")
	if err != nil {
		return nil, err
	}
	stats := screener.StatsFromPanels(closes, turnover, amount)

	asOf := time.Now()
	if ds := cache.Dates(); len(ds) > 0 {
		if d, err := time.Parse("2006-01-02", ds[len(ds)-1]); err == nil {
			asOf = d
		}
	}
	return s.filter.Apply(asOf, screener.BuildCandidates(base, metas, stats)), nil
}

// mergeSignals combines per-task signals that agree on (symbol, date,
// kind) into one row carrying every strategy name. The best rank and
// its score win; the merged set keeps the deterministic batch order.
func mergeSignals(results []TaskResult) []domain.Signal {
	type sigKey struct {
		symbol string
		date   string
		kind   domain.SignalKind
	}

	merged := make(map[sigKey]*domain.Signal)
	var order []sigKey
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		for _, sig := range r.Signals {
			key := sigKey{sig.Symbol, sig.Date, sig.Kind}
			cur, ok := merged[key]
			if !ok {
				cp := sig
				cp.Strategies = append([]string(nil), sig.Strategies...)
				merged[key] = &cp
				order = append(order, key)
				continue
			}
			cur.Strategies = append(cur.Strategies, sig.Strategies...)
			if betterRank(sig.Rank, cur.Rank) {
				cur.Rank = sig.Rank
				cur.Score = sig.Score
			}
		}
	}

	out := make([]domain.Signal, 0, len(order))
	for _, key := range order {
		sig := merged[key]
		sort.Strings(sig.Strategies)
		out = append(out, *sig)
	}
	domain.SortSignals(out)
	return out
}

// betterRank prefers any rank over none, then the smaller one.
func betterRank(candidate, current int) bool {
	if candidate == 0 {
		return false
	}
	return current == 0 || candidate < current
}

func lastLoadedDate(caches map[domain.AdjustKind]*factor.Cache) string {
	last := ""
	for _, c := range caches {
		if ds := c.Dates(); len(ds) > 0 && ds[len(ds)-1] > last {
			last = ds[len(ds)-1]
		}
	}
	return last
}
