package factor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
)

// Source supplies the raw observations a cache pivots into panels. The store
// package implements it over SQLite; tests implement it in memory.
type Source interface {
	FetchBars(ctx context.Context, symbols []string, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error)
	FetchFundamentals(ctx context.Context, symbols []string, start, end string) ([]domain.FundamentalSnapshot, error)
}

// CacheKey identifies the data domain of one cache: which symbols, which
// date range, which price series.
type CacheKey struct {
	Symbols []string
	Start   string // YYYY-MM-DD inclusive
	End     string // YYYY-MM-DD inclusive
	Adjust  domain.AdjustKind
}

// Cache loads raw panels once and evaluates factor expressions against them.
// It is single-writer while Preload runs and safe for any number of
// concurrent readers afterwards; overlapping Preload calls from parallel
// strategy workers are collapsed so each expression is still computed once.
type Cache struct {
	src Source
	key CacheKey
	log zerolog.Logger

	loadMu sync.RWMutex
	loadSF singleflight.Group
	ev     *Evaluator // created on first load, then read-only
}

// NewCache builds an empty cache for the given key. Symbols are deduplicated
// and sorted so equal requests share canonical keys.
func NewCache(src Source, key CacheKey, log zerolog.Logger) *Cache {
	symbols := append([]string(nil), key.Symbols...)
	sort.Strings(symbols)
	symbols = dedupeSorted(symbols)
	key.Symbols = symbols
	return &Cache{
		src: src,
		key: key,
		log: log.With().Str("component", "factor_cache").Logger(),
	}
}

// Key returns the cache's data domain.
func (c *Cache) Key() CacheKey { return c.key }

// Dates returns the trading-day axis, empty before the first Preload.
func (c *Cache) Dates() []string {
	if ev := c.evaluator(); ev != nil {
		return ev.data.Dates()
	}
	return nil
}

// Symbols returns the symbol axis of the cache key.
func (c *Cache) Symbols() []string { return c.key.Symbols }

// Preload compiles every expression, loads the raw panels they reference if
// not yet loaded, and evaluates each unique canonical expression exactly
// once. Independent expressions evaluate in parallel; shared sub-expressions
// are computed once through the evaluator's memo.
func (c *Cache) Preload(ctx context.Context, exprs []string) error {
	started := time.Now()
	compiled, err := CompileAll(exprs)
	if err != nil {
		return err
	}
	if err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	ev := c.evaluator()

	g, gctx := errgroup.WithContext(ctx)
	for _, comp := range compiled {
		comp := comp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := ev.Evaluate(comp); err != nil {
				return fmt.Errorf("failed to evaluate %q: %w", comp.Text, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.log.Debug().
		Int("expressions", len(compiled)).
		Dur("elapsed", time.Since(started)).
		Msg("Factor preload complete")
	return nil
}

// Get returns the evaluated panel for an expression. The text is
// canonicalised first, so formatting differences do not miss the cache.
// Expressions never preloaded are evaluated on the spot, which keeps Get
// correct for ad hoc lookups while staying cheap for the common path.
func (c *Cache) Get(expr string) (*panel.Frame, error) {
	comp, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	ev := c.evaluator()
	if ev == nil {
		return nil, fmt.Errorf("factor cache not loaded; call Preload first")
	}
	return ev.Evaluate(comp)
}

// Column returns a raw data panel such as close or volume, for callers that
// need prices directly rather than factor values.
func (c *Cache) Column(name string) (*panel.Frame, error) {
	ev := c.evaluator()
	if ev == nil {
		return nil, fmt.Errorf("factor cache not loaded; call Preload first")
	}
	if !rawColumns[name] {
		return nil, fmt.Errorf("unknown raw column %q", name)
	}
	f, ok := ev.data.Column(name)
	if !ok {
		f = panel.New(name, ev.data.dates, ev.data.symbols)
	}
	return f, nil
}

func (c *Cache) evaluator() *Evaluator {
	c.loadMu.RLock()
	defer c.loadMu.RUnlock()
	return c.ev
}

// ensureLoaded fetches bars and fundamentals and pivots them into panels.
// Concurrent callers wait for a single load.
func (c *Cache) ensureLoaded(ctx context.Context) error {
	if c.evaluator() != nil {
		return nil
	}
	_, err, _ := c.loadSF.Do("load", func() (interface{}, error) {
		if ev := c.evaluator(); ev != nil {
			return nil, nil
		}
		data, err := c.loadDataset(ctx)
		if err != nil {
			return nil, err
		}
		c.loadMu.Lock()
		c.ev = NewEvaluator(data)
		c.loadMu.Unlock()
		return nil, nil
	})
	return err
}

func (c *Cache) loadDataset(ctx context.Context) (*Dataset, error) {
	started := time.Now()

	var bars []domain.Bar
	var funds []domain.FundamentalSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bars, err = c.src.FetchBars(gctx, c.key.Symbols, c.key.Start, c.key.End, c.key.Adjust)
		if err != nil {
			return fmt.Errorf("failed to fetch bars: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		funds, err = c.src.FetchFundamentals(gctx, c.key.Symbols, c.key.Start, c.key.End)
		if err != nil {
			return fmt.Errorf("failed to fetch fundamentals: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dates := barDates(bars)
	columns := make(map[string]*panel.Frame, len(priceColumns)+2)

	// Each column pivots independently over the same bar slice.
	var pg errgroup.Group
	results := make([]*panel.Frame, len(priceColumns))
	for i, spec := range priceColumns {
		i, spec := i, spec
		pg.Go(func() error {
			f := panel.New(spec.name, dates, c.key.Symbols)
			for _, b := range bars {
				f.Set(b.Date, b.Symbol, spec.get(b))
			}
			results[i] = f
			return nil
		})
	}
	if err := pg.Wait(); err != nil {
		return nil, err
	}
	for i, spec := range priceColumns {
		columns[spec.name] = results[i]
	}

	pe := panel.New("pe", dates, c.key.Symbols)
	pb := panel.New("pb", dates, c.key.Symbols)
	for _, s := range funds {
		if s.PE != nil {
			pe.Set(s.Date, s.Symbol, *s.PE)
		}
		if s.PB != nil {
			pb.Set(s.Date, s.Symbol, *s.PB)
		}
	}
	// Fundamentals are sparse snapshots; the latest known value carries
	// forward until superseded.
	columns["pe"] = pe.ForwardFill()
	columns["pb"] = pb.ForwardFill()

	c.log.Info().
		Int("symbols", len(c.key.Symbols)).
		Int("trading_days", len(dates)).
		Int("bars", len(bars)).
		Int("fundamental_rows", len(funds)).
		Str("adjust", string(c.key.Adjust)).
		Dur("elapsed", time.Since(started)).
		Msg("Factor cache loaded")

	return NewDataset(dates, c.key.Symbols, columns), nil
}

type columnSpec struct {
	name string
	get  func(domain.Bar) float64
}

var priceColumns = []columnSpec{
	{"open", func(b domain.Bar) float64 { return b.Open }},
	{"high", func(b domain.Bar) float64 { return b.High }},
	{"low", func(b domain.Bar) float64 { return b.Low }},
	{"close", func(b domain.Bar) float64 { return b.Close }},
	{"volume", func(b domain.Bar) float64 { return b.Volume }},
	{"amount", func(b domain.Bar) float64 { return b.Amount }},
	{"turnover_rate", func(b domain.Bar) float64 { return b.TurnoverRate }},
}

func barDates(bars []domain.Bar) []string {
	seen := make(map[string]bool, 512)
	var dates []string
	for _, b := range bars {
		if !seen[b.Date] {
			seen[b.Date] = true
			dates = append(dates, b.Date)
		}
	}
	sort.Strings(dates)
	return dates
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
