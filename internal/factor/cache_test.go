package factor

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
	"github.com/hualei/quantdesk/pkg/logger"
)

type fakeSource struct {
	bars       []domain.Bar
	funds      []domain.FundamentalSnapshot
	failBars   bool
	fetchCalls atomic.Int32
}

func (s *fakeSource) FetchBars(_ context.Context, _ []string, _, _ string, _ domain.AdjustKind) ([]domain.Bar, error) {
	s.fetchCalls.Add(1)
	if s.failBars {
		return nil, fmt.Errorf("store unavailable")
	}
	return s.bars, nil
}

func (s *fakeSource) FetchFundamentals(_ context.Context, _ []string, _, _ string) ([]domain.FundamentalSnapshot, error) {
	return s.funds, nil
}

func cacheFixture() (*fakeSource, CacheKey) {
	dates := []string{"2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05", "2024-01-08"}
	closes := map[string][]float64{
		"159915.SZ": {10, 11, 12, 13, 14},
		"510300.SH": {5, 4, 3, 2, 1},
	}
	var bars []domain.Bar
	for sym, series := range closes {
		for i, c := range series {
			bars = append(bars, domain.Bar{
				Symbol: sym, Date: dates[i],
				Open: c - 0.5, High: c + 1, Low: c - 1, Close: c,
				Volume: 1000 * float64(i+1), Amount: 10000 * float64(i+1), TurnoverRate: 1.5,
			})
		}
	}
	pe := 20.0
	funds := []domain.FundamentalSnapshot{
		{Symbol: "159915.SZ", Date: "2024-01-02", PE: &pe},
	}
	key := CacheKey{
		Symbols: []string{"159915.SZ", "510300.SH"},
		Start:   "2024-01-02",
		End:     "2024-01-08",
		Adjust:  domain.AdjustForward,
	}
	return &fakeSource{bars: bars, funds: funds}, key
}

func assertFramesEqual(t *testing.T, want, got *panel.Frame, label string) {
	t.Helper()
	require.Equal(t, want.Dates(), got.Dates(), "%s: date axis", label)
	require.Equal(t, want.Symbols(), got.Symbols(), "%s: symbol axis", label)
	for i := 0; i < want.NumDates(); i++ {
		for j := 0; j < want.NumSymbols(); j++ {
			w, g := want.At(i, j), got.At(i, j)
			if math.IsNaN(w) {
				assert.True(t, math.IsNaN(g), "%s: cell (%d,%d) should be NaN", label, i, j)
			} else {
				assert.InDelta(t, w, g, 1e-12, "%s: cell (%d,%d)", label, i, j)
			}
		}
	}
}

func TestCache_PreloadThenGetMatchesDirectEvaluation(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())
	exprs := []string{
		"roc(close, 1)",
		"close > ma(close, 2)",
		"normalize_score(trend_score(close, 3))",
		"pe_score(pe)",
	}

	require.NoError(t, cache.Preload(context.Background(), exprs))

	// A fresh evaluator over the same raw columns must agree cell by cell.
	cols := make(map[string]*panel.Frame)
	for name := range rawColumns {
		f, err := cache.Column(name)
		require.NoError(t, err)
		cols[name] = f
	}
	direct := NewEvaluator(NewDataset(cache.Dates(), cache.Symbols(), cols))
	for _, e := range exprs {
		got, err := cache.Get(e)
		require.NoError(t, err)
		want, err := direct.EvaluateText(e)
		require.NoError(t, err)
		assertFramesEqual(t, want, got, e)
	}
}

func TestCache_PivotsBarsIntoPanels(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())

	require.NoError(t, cache.Preload(context.Background(), []string{"close"}))

	closeF, err := cache.Column("close")
	require.NoError(t, err)
	assert.Equal(t, 12.0, closeF.Value("2024-01-04", "159915.SZ"))
	assert.Equal(t, 1.0, closeF.Value("2024-01-08", "510300.SH"))
	assert.Equal(t, 5, closeF.NumDates())
}

func TestCache_FundamentalsBroadcastForward(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())

	require.NoError(t, cache.Preload(context.Background(), []string{"pe"}))

	pe, err := cache.Get("pe")
	require.NoError(t, err)
	assert.Equal(t, 20.0, pe.Value("2024-01-02", "159915.SZ"))
	assert.Equal(t, 20.0, pe.Value("2024-01-08", "159915.SZ"), "single snapshot carries forward")
	assert.True(t, math.IsNaN(pe.Value("2024-01-08", "510300.SH")), "no snapshot at all stays NaN")
}

func TestCache_GetCanonicalisesText(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())
	require.NoError(t, cache.Preload(context.Background(), []string{"ma(close, 2)"}))

	a, err := cache.Get("ma(close, 2)")
	require.NoError(t, err)
	b, err := cache.Get("ma( close ,2 )")
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestCache_LoadsDataOnce(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())

	require.NoError(t, cache.Preload(context.Background(), []string{"close > 0"}))
	require.NoError(t, cache.Preload(context.Background(), []string{"close < 0"}))

	assert.Equal(t, int32(1), src.fetchCalls.Load())
}

func TestCache_ConcurrentPreloadsCollapse(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())
	exprs := []string{"roc(close, 1) > 0", "ma(close, 2)"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.Preload(context.Background(), exprs)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(1), src.fetchCalls.Load(), "all workers share one load")
}

func TestCache_CompileErrorBeforeAnyFetch(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())

	err := cache.Preload(context.Background(), []string{"made_up_column > 0"})

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeStrategyCompile))
	assert.Equal(t, int32(0), src.fetchCalls.Load(), "nothing should be fetched for a broken strategy")
}

func TestCache_MissingSymbolDegradesToNaN(t *testing.T) {
	src, key := cacheFixture()
	key.Symbols = append(key.Symbols, "000999.SZ")
	cache := NewCache(src, key, logger.Nop())

	require.NoError(t, cache.Preload(context.Background(), []string{"close > 0"}))

	cond, err := cache.Get("close > 0")
	require.NoError(t, err)
	assert.Equal(t, 0.0, cond.Value("2024-01-04", "000999.SZ"), "symbol without bars never qualifies")
	assert.Equal(t, 1.0, cond.Value("2024-01-04", "159915.SZ"))
}

func TestCache_SnapshotRoundTrip(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())
	require.NoError(t, cache.Preload(context.Background(), []string{"ma(close, 2)"}))
	want, err := cache.Get("ma(close, 2)")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), SnapshotFilename(key))
	require.NoError(t, cache.SaveSnapshot(path))

	// The restored cache must answer without touching the store at all.
	restored := NewCache(&fakeSource{failBars: true}, key, logger.Nop())
	require.NoError(t, restored.LoadSnapshot(path))
	got, err := restored.Get("ma(close, 2)")
	require.NoError(t, err)

	assertFramesEqual(t, want, got, "ma(close, 2) after snapshot restore")
}

func TestCache_SnapshotKeyMismatchRejected(t *testing.T) {
	src, key := cacheFixture()
	cache := NewCache(src, key, logger.Nop())
	require.NoError(t, cache.Preload(context.Background(), []string{"close"}))

	path := filepath.Join(t.TempDir(), "snap.msgpack")
	require.NoError(t, cache.SaveSnapshot(path))

	other := key
	other.Start = "2023-01-01"
	err := NewCache(src, other, logger.Nop()).LoadSnapshot(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestSnapshotFilename_Stable(t *testing.T) {
	_, key := cacheFixture()

	a := SnapshotFilename(key)
	b := SnapshotFilename(key)
	assert.Equal(t, a, b)

	other := key
	other.Adjust = domain.AdjustNone
	assert.NotEqual(t, a, SnapshotFilename(other))
}
