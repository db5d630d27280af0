package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.ProviderConfig{
		BaseURL:           srv.URL,
		APIKey:            "test-key",
		RequestsPerSecond: 1000,
		Burst:             1000,
		Timeout:           2 * time.Second,
	}, logger.Nop())
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	out, _ := json.Marshal(map[string]interface{}{
		"code":    0,
		"message": "",
		"data":    json.RawMessage(raw),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func TestFetchBarsSendsQueryAndDecodes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/history", r.URL.Path)
		assert.Equal(t, "510300.SH", r.URL.Query().Get("symbol"))
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2024-06-30", r.URL.Query().Get("end"))
		assert.Equal(t, "qfq", r.URL.Query().Get("adjust"))
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		writeEnvelope(w, []wireBar{
			{Date: "2024-01-02", Open: 3.4, High: 3.6, Low: 3.3, Close: 3.5, Volume: 1e6, Amount: 3.5e6, TurnoverRate: 1.2},
			{Date: "2024-01-03", Open: 3.5, High: 3.7, Low: 3.4, Close: 3.6, Volume: 9e5, Amount: 3.2e6, TurnoverRate: 1.1},
		})
	}))

	bars, err := client.FetchBars(context.Background(), "510300.SH", "2024-01-01", "2024-06-30", domain.AdjustForward)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "510300.SH", bars[0].Symbol, "the client stamps the symbol onto each bar")
	assert.Equal(t, "2024-01-02", bars[0].Date)
	assert.InDelta(t, 3.5, bars[0].Close, 1e-9)
	assert.InDelta(t, 1.1, bars[1].TurnoverRate, 1e-9)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, []wireBar{{Date: "2024-01-02", Close: 3.5}})
	}))

	bars, err := client.FetchBars(context.Background(), "510300.SH", "2024-01-01", "2024-01-31", domain.AdjustNone)
	require.NoError(t, err, "a transient 500 should be retried away")
	assert.Len(t, bars, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetRetriesRateLimitResponses(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeEnvelope(w, []wireListing{{Symbol: "510300.SH", Name: "沪深300ETF"}})
	}))

	metas, err := client.ListSecurities(context.Background(), domain.AssetETF)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))

	_, err := client.FetchBars(context.Background(), "510300.SH", "2024-01-01", "2024-01-31", domain.AdjustNone)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestGatewayErrorCodeSurfaces(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code": 7, "message": "unknown symbol", "data": null}`))
	}))

	_, err := client.FetchFundamentalSnapshot(context.Background(), "999999.SH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway code 7")
	assert.Equal(t, int32(1), calls.Load(), "an application-level rejection is not transient")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	ctx := context.Background()

	// First call burns its three attempts against the live server.
	_, err := client.FetchBars(ctx, "510300.SH", "2024-01-01", "2024-01-31", domain.AdjustNone)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	// The second call trips the breaker on its fifth consecutive failure
	// and fails fast on the next attempt.
	_, err = client.FetchBars(ctx, "510300.SH", "2024-01-01", "2024-01-31", domain.AdjustNone)
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load(), "the open breaker must stop traffic to the gateway")

	// While open, calls never reach the server.
	_, err = client.FetchBars(ctx, "510300.SH", "2024-01-01", "2024-01-31", domain.AdjustNone)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestListSecuritiesMapsListings(t *testing.T) {
	mv := 120.5
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/listings", r.URL.Path)
		assert.Equal(t, "ashare", r.URL.Query().Get("type"))
		writeEnvelope(w, []wireListing{
			{Symbol: "600000.SH", Name: "浦发银行", Sector: "银行", ListDate: "1999-11-10", TotalMV: &mv},
			{Symbol: "000001.SZ", Name: "平安银行", IsST: true, IsSusp: true},
		})
	}))

	metas, err := client.ListSecurities(context.Background(), domain.AssetAShare)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "浦发银行", metas[0].Name)
	require.NotNil(t, metas[0].TotalMV)
	assert.InDelta(t, 120.5, *metas[0].TotalMV, 1e-9)
	assert.True(t, metas[1].IsST)
	assert.Nil(t, metas[1].TotalMV)
}

func TestFetchFundamentalSnapshotFillsSymbol(t *testing.T) {
	pe := 9.8
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/fundamental", r.URL.Path)
		writeEnvelope(w, wireFundamental{Date: "2024-03-01", PE: &pe})
	}))

	snap, err := client.FetchFundamentalSnapshot(context.Background(), "600000.SH")
	require.NoError(t, err)
	assert.Equal(t, "600000.SH", snap.Symbol, "a payload without a symbol inherits the requested one")
	assert.Equal(t, "2024-03-01", snap.Date)
	require.NotNil(t, snap.PE)
	assert.InDelta(t, 9.8, *snap.PE, 1e-9)
	assert.Nil(t, snap.PB)
}

func TestFetchFundamentalDailySendsRange(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/fundamental/daily", r.URL.Path)
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2024-01-31", r.URL.Query().Get("end"))
		writeEnvelope(w, []wireFundamental{
			{Symbol: "600000.SH", Date: "2024-01-02"},
			{Symbol: "600000.SH", Date: "2024-01-03"},
		})
	}))

	rows, err := client.FetchFundamentalDaily(context.Background(), "600000.SH", "2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
