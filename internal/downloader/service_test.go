package downloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/database"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/store"
	"github.com/hualei/quantdesk/pkg/logger"
)

type barCall struct {
	symbol, start, end string
	adjust             domain.AdjustKind
}

// fakeGateway serves canned listings, bars and fundamentals, recording
// every request window so tests can assert resume behaviour.
type fakeGateway struct {
	mu        sync.Mutex
	listings  map[domain.AssetType][]domain.SecurityMeta
	bars      map[string][]domain.Bar // symbol|adjust
	daily     map[string][]domain.FundamentalSnapshot
	failBars  map[string]error
	barCalls  []barCall
	listCalls int
	dayCalls  []barCall
}

func (g *fakeGateway) ListSecurities(_ context.Context, asset domain.AssetType) ([]domain.SecurityMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	return g.listings[asset], nil
}

func (g *fakeGateway) FetchBars(_ context.Context, symbol, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.barCalls = append(g.barCalls, barCall{symbol: symbol, start: start, end: end, adjust: adjust})
	if err := g.failBars[symbol]; err != nil {
		return nil, err
	}
	var out []domain.Bar
	for _, b := range g.bars[symbol+"|"+string(adjust)] {
		if b.Date >= start && b.Date <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

func (g *fakeGateway) FetchFundamentalDaily(_ context.Context, symbol, start, end string) ([]domain.FundamentalSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayCalls = append(g.dayCalls, barCall{symbol: symbol, start: start, end: end})
	var out []domain.FundamentalSnapshot
	for _, f := range g.daily[symbol] {
		if f.Date >= start && f.Date <= end {
			out = append(out, f)
		}
	}
	return out, nil
}

func (g *fakeGateway) callsFor(symbol string, adjust domain.AdjustKind) []barCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []barCall
	for _, c := range g.barCalls {
		if c.symbol == symbol && c.adjust == adjust {
			out = append(out, c)
		}
	}
	return out
}

func newDownloaderStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(database.Config{
		Path: "file:" + t.Name() + "?mode=memory&cache=shared",
		Name: "test",
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testBar(symbol, date string, close float64) domain.Bar {
	return domain.Bar{
		Symbol: symbol, Date: date,
		Open: close - 0.02, High: close + 0.03, Low: close - 0.04, Close: close,
		Volume: 1_000_000, Amount: close * 1_000_000, ChangePct: 0.5, TurnoverRate: 1.2,
	}
}

func newFixedService(st *store.Store, gw Gateway, em *events.Manager) *Service {
	svc := New(st, gw, em, 2, logger.Nop())
	svc.now = func() time.Time { return time.Date(2024, 6, 14, 15, 30, 0, 0, time.Local) }
	return svc
}

func TestRunHistorySyncsListingsAndBars(t *testing.T) {
	st := newDownloaderStore(t)
	gw := &fakeGateway{
		listings: map[domain.AssetType][]domain.SecurityMeta{
			domain.AssetETF: {
				{Symbol: "510300.SH", Name: "沪深300ETF"},
				{Symbol: "159915.SZ", Name: "创业板ETF"},
			},
		},
		bars: map[string][]domain.Bar{},
	}
	for _, sym := range []string{"510300.SH", "159915.SZ"} {
		for _, adj := range []domain.AdjustKind{domain.AdjustNone, domain.AdjustForward} {
			gw.bars[sym+"|"+string(adj)] = []domain.Bar{
				testBar(sym, "2024-06-12", 3.4),
				testBar(sym, "2024-06-13", 3.5),
				testBar(sym, "2024-06-14", 3.6),
			}
		}
	}

	svc := newFixedService(st, gw, nil)
	summaries, err := svc.Run(context.Background(), []Mode{ModeETF}, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, ModeETF, s.Mode)
	assert.Equal(t, 2, s.Symbols)
	assert.Equal(t, 12, s.Inserted, "three days, two series, two symbols")
	assert.Empty(t, s.Failed)

	ctx := context.Background()
	metas, err := st.Meta.SecurityMetas(ctx, []string{"510300.SH", "159915.SZ"})
	require.NoError(t, err)
	assert.Len(t, metas, 2, "the security master refreshes before the bar sync")

	bars, err := st.Bars.Fetch(ctx, []string{"510300.SH"}, "2024-06-01", "2024-06-30", domain.AdjustForward)
	require.NoError(t, err)
	assert.Len(t, bars, 3)

	// A fresh symbol opens a one-year window ending today.
	calls := gw.callsFor("510300.SH", domain.AdjustNone)
	require.Len(t, calls, 1)
	assert.Equal(t, "2023-06-14", calls[0].start)
	assert.Equal(t, "2024-06-14", calls[0].end)
}

func TestRunHistoryResumesFromWatermark(t *testing.T) {
	st := newDownloaderStore(t)
	ctx := context.Background()

	// 510300.SH is stored through the 13th, 159915.SZ through today.
	for _, adj := range []domain.AdjustKind{domain.AdjustNone, domain.AdjustForward} {
		_, err := st.Bars.Upsert(ctx, domain.AssetETF, adj, []domain.Bar{
			testBar("510300.SH", "2024-06-12", 3.4),
			testBar("510300.SH", "2024-06-13", 3.5),
		})
		require.NoError(t, err)
		_, err = st.Bars.Upsert(ctx, domain.AssetETF, adj, []domain.Bar{
			testBar("159915.SZ", "2024-06-13", 2.1),
			testBar("159915.SZ", "2024-06-14", 2.2),
		})
		require.NoError(t, err)
	}

	gw := &fakeGateway{
		listings: map[domain.AssetType][]domain.SecurityMeta{
			domain.AssetETF: {
				{Symbol: "510300.SH", Name: "沪深300ETF"},
				{Symbol: "159915.SZ", Name: "创业板ETF"},
			},
		},
		bars: map[string][]domain.Bar{},
	}
	for _, adj := range []domain.AdjustKind{domain.AdjustNone, domain.AdjustForward} {
		gw.bars["510300.SH|"+string(adj)] = []domain.Bar{
			testBar("510300.SH", "2024-06-13", 3.5),
			testBar("510300.SH", "2024-06-14", 3.6),
		}
	}

	svc := newFixedService(st, gw, nil)
	summaries, err := svc.Run(context.Background(), []Mode{ModeETF}, 1)
	require.NoError(t, err)

	calls := gw.callsFor("510300.SH", domain.AdjustNone)
	require.Len(t, calls, 1)
	assert.Equal(t, "2024-06-14", calls[0].start, "the sync resumes the day after the watermark")
	assert.Equal(t, "2024-06-14", calls[0].end)

	assert.Empty(t, gw.callsFor("159915.SZ", domain.AdjustNone), "a current symbol is not re-fetched")
	assert.Empty(t, gw.callsFor("159915.SZ", domain.AdjustForward))

	assert.Equal(t, 2, summaries[0].Inserted, "one missing day across the two series")
}

func TestRunCollectsPerSymbolFailures(t *testing.T) {
	st := newDownloaderStore(t)
	gw := &fakeGateway{
		listings: map[domain.AssetType][]domain.SecurityMeta{
			domain.AssetETF: {
				{Symbol: "510300.SH", Name: "沪深300ETF"},
				{Symbol: "510900.SH", Name: "H股ETF"},
			},
		},
		bars:     map[string][]domain.Bar{},
		failBars: map[string]error{"510900.SH": errors.New("gateway 500")},
	}
	for _, adj := range []domain.AdjustKind{domain.AdjustNone, domain.AdjustForward} {
		gw.bars["510300.SH|"+string(adj)] = []domain.Bar{
			testBar("510300.SH", "2024-06-13", 3.5),
			testBar("510300.SH", "2024-06-14", 3.6),
		}
	}

	svc := newFixedService(st, gw, nil)
	summaries, err := svc.Run(context.Background(), []Mode{ModeETF}, 1)
	require.NoError(t, err, "one bad symbol must not fail the run")
	require.Len(t, summaries, 1)

	assert.Equal(t, []string{"510900.SH"}, summaries[0].Failed)
	assert.Equal(t, 4, summaries[0].Inserted, "the healthy symbol still syncs both series")
}

func TestRunFundamentalsUsesStoredUniverse(t *testing.T) {
	st := newDownloaderStore(t)
	ctx := context.Background()

	_, err := st.Bars.Upsert(ctx, domain.AssetAShare, domain.AdjustNone, []domain.Bar{
		testBar("600000.SH", "2024-06-13", 7.1),
	})
	require.NoError(t, err)

	pe := 5.3
	gw := &fakeGateway{
		daily: map[string][]domain.FundamentalSnapshot{
			"600000.SH": {
				{Symbol: "600000.SH", Date: "2024-06-13", PE: &pe},
				{Symbol: "600000.SH", Date: "2024-06-14", PE: &pe},
			},
		},
	}

	svc := newFixedService(st, gw, nil)
	summaries, err := svc.Run(ctx, []Mode{ModeFundamental}, 1)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	assert.Equal(t, 2, summaries[0].Inserted)
	assert.Zero(t, gw.listCalls, "stored stock history defines the universe")

	rows, err := st.Fundamentals.Fetch(ctx, []string{"600000.SH"}, "2024-06-01", "2024-06-30")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRunFundamentalsFallsBackToListings(t *testing.T) {
	st := newDownloaderStore(t)
	gw := &fakeGateway{
		listings: map[domain.AssetType][]domain.SecurityMeta{
			domain.AssetAShare: {{Symbol: "600000.SH", Name: "浦发银行"}},
		},
		daily: map[string][]domain.FundamentalSnapshot{
			"600000.SH": {{Symbol: "600000.SH", Date: "2024-06-14"}},
		},
	}

	svc := newFixedService(st, gw, nil)
	summaries, err := svc.Run(context.Background(), []Mode{ModeFundamental}, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, gw.listCalls, "a fresh database falls back to the gateway's master list")
	assert.Equal(t, 1, summaries[0].Inserted)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	st := newDownloaderStore(t)
	gw := &fakeGateway{
		listings: map[domain.AssetType][]domain.SecurityMeta{
			domain.AssetETF: {
				{Symbol: "510300.SH", Name: "沪深300ETF"},
				{Symbol: "159915.SZ", Name: "创业板ETF"},
			},
		},
		bars: map[string][]domain.Bar{},
	}
	for _, sym := range []string{"510300.SH", "159915.SZ"} {
		gw.bars[sym+"|"+string(domain.AdjustNone)] = []domain.Bar{testBar(sym, "2024-06-14", 3.6)}
	}

	bus := events.NewBus()
	var mu sync.Mutex
	counts := map[events.EventType]int{}
	maxDone, total := 0, 0
	bus.SubscribeAll(func(e *events.Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[e.Type]++
		if e.Type == events.DownloadProgress {
			if progress, ok := e.GetTypedData().(*events.DownloadProgressData); ok {
				total = progress.Total
				if progress.Done > maxDone {
					maxDone = progress.Done
				}
			}
		}
	})

	svc := newFixedService(st, gw, events.NewManager(bus, logger.Nop()))
	_, err := svc.Run(context.Background(), []Mode{ModeETF}, 1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[events.DownloadStarted])
	assert.Equal(t, 2, counts[events.DownloadProgress], "one progress event per symbol")
	assert.Equal(t, 1, counts[events.DownloadCompleted])
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, maxDone, "the counter reaches the full symbol count")
}

func TestParseModes(t *testing.T) {
	modes, err := ParseModes("etf, STOCK")
	require.NoError(t, err)
	assert.Equal(t, []Mode{ModeETF, ModeStock}, modes)

	all, err := ParseModes("")
	require.NoError(t, err)
	assert.Equal(t, []Mode{ModeETF, ModeStock, ModeFundamental}, all)

	_, err = ParseModes("bogus")
	assert.Error(t, err)

	_, err = ParseModes(",,")
	assert.Error(t, err, "separators alone name no mode")
}
