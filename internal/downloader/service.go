// Package downloader keeps the local history mirror in step with the
// data gateway. A run fans its symbols out over a bounded worker pool;
// the provider client's token bucket paces the actual requests, so the
// pool size only caps in-flight work.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/store"
)

// Mode selects what a run downloads.
type Mode string

const (
	ModeETF         Mode = "etf"
	ModeStock       Mode = "stock"
	ModeFundamental Mode = "fundamental"
)

// ParseModes splits a comma-separated mode list. An empty list means
// everything.
func ParseModes(csv string) ([]Mode, error) {
	if strings.TrimSpace(csv) == "" {
		return []Mode{ModeETF, ModeStock, ModeFundamental}, nil
	}

	var out []Mode
	for _, part := range strings.Split(csv, ",") {
		switch m := Mode(strings.ToLower(strings.TrimSpace(part))); m {
		case ModeETF, ModeStock, ModeFundamental:
			out = append(out, m)
		case "":
		default:
			return nil, fmt.Errorf("unknown download mode %q", part)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no download modes given")
	}
	return out, nil
}

// Gateway is the slice of the provider client a sync run needs.
type Gateway interface {
	ListSecurities(ctx context.Context, asset domain.AssetType) ([]domain.SecurityMeta, error)
	FetchBars(ctx context.Context, symbol, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error)
	FetchFundamentalDaily(ctx context.Context, symbol, start, end string) ([]domain.FundamentalSnapshot, error)
}

// Summary reports one mode's run.
type Summary struct {
	Mode     Mode          `json:"mode"`
	Symbols  int           `json:"symbols"`
	Inserted int           `json:"inserted"`
	Failed   []string      `json:"failed,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Service mirrors gateway history into the store.
type Service struct {
	store   *store.Store
	gateway Gateway
	events  *events.Manager
	workers int
	log     zerolog.Logger

	now func() time.Time
}

// New wires a downloader. workers caps concurrent symbol syncs.
func New(st *store.Store, gw Gateway, em *events.Manager, workers int, log zerolog.Logger) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		store:   st,
		gateway: gw,
		events:  em,
		workers: workers,
		log:     log.With().Str("service", "downloader").Logger(),
		now:     time.Now,
	}
}

// Run executes the requested modes in order. Per-symbol failures are
// collected into the summaries; a failure to even enumerate a mode's
// symbols stops the run.
func (s *Service) Run(ctx context.Context, modes []Mode, years int) ([]Summary, error) {
	if years <= 0 {
		years = 3
	}

	summaries := make([]Summary, 0, len(modes))
	for _, mode := range modes {
		var (
			summary Summary
			err     error
		)
		switch mode {
		case ModeETF:
			summary, err = s.runHistory(ctx, domain.AssetETF, years)
		case ModeStock:
			summary, err = s.runHistory(ctx, domain.AssetAShare, years)
		case ModeFundamental:
			summary, err = s.runFundamentals(ctx, years)
		default:
			err = fmt.Errorf("unknown download mode %q", mode)
		}
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// runHistory refreshes the security master for one asset class and
// syncs every listed symbol's raw and forward-adjusted bars.
func (s *Service) runHistory(ctx context.Context, asset domain.AssetType, years int) (Summary, error) {
	mode := ModeETF
	if asset == domain.AssetAShare {
		mode = ModeStock
	}
	started := s.now()

	listings, err := s.gateway.ListSecurities(ctx, asset)
	if err != nil {
		return Summary{Mode: mode}, fmt.Errorf("failed to list %s securities: %w", asset, err)
	}
	if err := s.store.Meta.Upsert(ctx, listings); err != nil {
		return Summary{Mode: mode}, err
	}

	symbols := make([]string, 0, len(listings))
	for _, l := range listings {
		symbols = append(symbols, l.Symbol)
	}
	sort.Strings(symbols)

	s.emitStarted(mode, len(symbols), years)
	inserted, failed, err := s.fanOut(ctx, mode, symbols, func(ctx context.Context, symbol string) (int, error) {
		return s.syncHistory(ctx, asset, symbol, years)
	})

	summary := Summary{
		Mode:     mode,
		Symbols:  len(symbols),
		Inserted: inserted,
		Failed:   failed,
		Elapsed:  s.now().Sub(started),
	}
	s.emitCompleted(summary)
	s.log.Info().
		Str("mode", string(mode)).
		Int("symbols", summary.Symbols).
		Int("inserted", summary.Inserted).
		Int("failed", len(summary.Failed)).
		Dur("elapsed", summary.Elapsed).
		Msg("History download finished")
	return summary, err
}

// runFundamentals syncs daily valuation rows for every stock the store
// knows about, falling back to the gateway's master list on a fresh
// database.
func (s *Service) runFundamentals(ctx context.Context, years int) (Summary, error) {
	started := s.now()

	symbols, err := s.store.Bars.ListSymbols(ctx, domain.AssetAShare, 0)
	if err != nil {
		return Summary{Mode: ModeFundamental}, err
	}
	if len(symbols) == 0 {
		listings, err := s.gateway.ListSecurities(ctx, domain.AssetAShare)
		if err != nil {
			return Summary{Mode: ModeFundamental}, fmt.Errorf("failed to list securities for fundamentals: %w", err)
		}
		for _, l := range listings {
			symbols = append(symbols, l.Symbol)
		}
		sort.Strings(symbols)
	}

	s.emitStarted(ModeFundamental, len(symbols), years)
	inserted, failed, err := s.fanOut(ctx, ModeFundamental, symbols, func(ctx context.Context, symbol string) (int, error) {
		return s.syncFundamental(ctx, symbol, years)
	})

	summary := Summary{
		Mode:     ModeFundamental,
		Symbols:  len(symbols),
		Inserted: inserted,
		Failed:   failed,
		Elapsed:  s.now().Sub(started),
	}
	s.emitCompleted(summary)
	s.log.Info().
		Int("symbols", summary.Symbols).
		Int("inserted", summary.Inserted).
		Int("failed", len(summary.Failed)).
		Dur("elapsed", summary.Elapsed).
		Msg("Fundamental download finished")
	return summary, err
}

type symbolResult struct {
	symbol   string
	inserted int
	err      error
}

// fanOut distributes symbols over the worker pool and collects the
// per-symbol outcomes. Progress events fire live from the workers.
func (s *Service) fanOut(ctx context.Context, mode Mode, symbols []string, syncOne func(context.Context, string) (int, error)) (int, []string, error) {
	if len(symbols) == 0 {
		return 0, nil, nil
	}

	jobs := make(chan string, len(symbols))
	results := make(chan symbolResult, len(symbols))

	workers := s.workers
	if len(symbols) < workers {
		workers = len(symbols)
	}

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				if ctx.Err() != nil {
					results <- symbolResult{symbol: symbol, err: ctx.Err()}
					continue
				}
				inserted, err := syncOne(ctx, symbol)
				results <- symbolResult{symbol: symbol, inserted: inserted, err: err}
				if err != nil {
					inserted = 0
				}
				s.emitProgress(mode, symbol, int(done.Add(1)), len(symbols), inserted)
			}
		}()
	}

	for _, symbol := range symbols {
		jobs <- symbol
	}
	close(jobs)
	wg.Wait()
	close(results)

	var (
		inserted int
		failed   []string
	)
	for res := range results {
		if res.err != nil {
			if !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, context.DeadlineExceeded) {
				s.log.Warn().Err(res.err).Str("symbol", res.symbol).Str("mode", string(mode)).Msg("Symbol sync failed")
			}
			failed = append(failed, res.symbol)
			continue
		}
		inserted += res.inserted
	}
	sort.Strings(failed)
	return inserted, failed, ctx.Err()
}

// syncHistory pulls the missing tail of both adjust series for one
// symbol. Bars are insert-if-absent, so overlap is harmless.
func (s *Service) syncHistory(ctx context.Context, asset domain.AssetType, symbol string, years int) (int, error) {
	end := s.now().Format("2006-01-02")

	var inserted int
	for _, adjust := range []domain.AdjustKind{domain.AdjustNone, domain.AdjustForward} {
		latest, err := s.store.Bars.LatestDate(ctx, asset, adjust, symbol)
		if err != nil {
			return inserted, err
		}
		start, err := s.windowStart(latest, years)
		if err != nil {
			return inserted, fmt.Errorf("symbol %s: %w", symbol, err)
		}
		if start > end {
			continue
		}

		bars, err := s.gateway.FetchBars(ctx, symbol, start, end, adjust)
		if err != nil {
			return inserted, fmt.Errorf("failed to fetch %s %s bars: %w", symbol, adjust, err)
		}
		n, err := s.store.Bars.Upsert(ctx, asset, adjust, bars)
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// syncFundamental pulls the missing tail of one symbol's valuation
// history.
func (s *Service) syncFundamental(ctx context.Context, symbol string, years int) (int, error) {
	end := s.now().Format("2006-01-02")

	latest, err := s.store.Fundamentals.LatestDate(ctx, symbol)
	if err != nil {
		return 0, err
	}
	start, err := s.windowStart(latest, years)
	if err != nil {
		return 0, fmt.Errorf("symbol %s: %w", symbol, err)
	}
	if start > end {
		return 0, nil
	}

	rows, err := s.gateway.FetchFundamentalDaily(ctx, symbol, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch %s fundamentals: %w", symbol, err)
	}
	return s.store.Fundamentals.Upsert(ctx, rows)
}

// windowStart resumes the day after the stored watermark, or opens a
// fresh N-year window when nothing is stored yet.
func (s *Service) windowStart(latest string, years int) (string, error) {
	if latest == "" {
		return s.now().AddDate(-years, 0, 0).Format("2006-01-02"), nil
	}
	day, err := time.Parse("2006-01-02", latest)
	if err != nil {
		return "", fmt.Errorf("failed to parse stored watermark %q: %w", latest, err)
	}
	return day.AddDate(0, 0, 1).Format("2006-01-02"), nil
}

func (s *Service) emitStarted(mode Mode, symbols, years int) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.DownloadStarted, "downloader", &events.DownloadStartedData{
		Mode:    string(mode),
		Symbols: symbols,
		Years:   years,
	})
}

func (s *Service) emitProgress(mode Mode, symbol string, done, total, inserted int) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.DownloadProgress, "downloader", &events.DownloadProgressData{
		Mode:     string(mode),
		Symbol:   symbol,
		Done:     done,
		Total:    total,
		Inserted: inserted,
	})
}

func (s *Service) emitCompleted(summary Summary) {
	if s.events == nil {
		return
	}
	s.events.EmitTyped(events.DownloadCompleted, "downloader", &events.DownloadCompletedData{
		Mode:     string(summary.Mode),
		Symbols:  summary.Symbols,
		Inserted: summary.Inserted,
		Failed:   len(summary.Failed),
		Elapsed:  summary.Elapsed.Round(time.Millisecond).String(),
	})
}
