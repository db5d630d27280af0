// Package provider talks to the upstream market-data gateway: a JSON
// HTTP API for daily bars, fundamentals and listings, plus a websocket
// channel for the market session status.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hualei/quantdesk/internal/config"
	"github.com/hualei/quantdesk/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
	retryBaseWait  = 500 * time.Millisecond
)

// APIError represents a gateway error response.
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// retryable reports whether the request is worth repeating: rate
// limiting and server-side failures are, client errors are not.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client is the rate-limited HTTP client for the data gateway. All
// requests pass through a token bucket and a circuit breaker, and
// transient failures retry with exponential backoff.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// NewClient builds a client from provider settings.
func NewClient(cfg config.ProviderConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	log = log.With().Str("component", "provider").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		breaker:    breaker,
		log:        log,
	}
}

// apiEnvelope is the gateway's uniform response wrapper.
type apiEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// get performs a rate-limited GET through the circuit breaker and
// decodes the envelope's data into result.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	var lastErr error
	wait := retryBaseWait

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doRequest(ctx, path, params, result)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		// An open breaker fails fast; retrying would only hammer it.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("provider unavailable: %w", err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		c.log.Warn().
			Err(err).
			Str("endpoint", path).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Provider request failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	return lastErr
}

func (c *Client) doRequest(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	c.log.Debug().Str("endpoint", path).Msg("Provider request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   path,
		}
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Code != 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("gateway code %d: %s", envelope.Code, envelope.Message),
			Endpoint:   path,
		}
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, result); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// wireBar is the gateway's daily bar row.
type wireBar struct {
	Date         string  `json:"date"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	Volume       float64 `json:"volume"`
	Amount       float64 `json:"amount"`
	Amplitude    float64 `json:"amplitude"`
	ChangePct    float64 `json:"change_pct"`
	ChangeAmount float64 `json:"change_amount"`
	TurnoverRate float64 `json:"turnover_rate"`
}

// FetchBars downloads one symbol's daily bars for an inclusive date
// range in the requested adjust series.
func (c *Client) FetchBars(ctx context.Context, symbol, start, end string, adjust domain.AdjustKind) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("start", start)
	params.Set("end", end)
	params.Set("adjust", string(adjust))

	var rows []wireBar
	if err := c.get(ctx, "/api/history", params, &rows); err != nil {
		return nil, err
	}

	bars := make([]domain.Bar, len(rows))
	for i, row := range rows {
		bars[i] = domain.Bar{
			Symbol:       symbol,
			Date:         row.Date,
			Open:         row.Open,
			High:         row.High,
			Low:          row.Low,
			Close:        row.Close,
			Volume:       row.Volume,
			Amount:       row.Amount,
			Amplitude:    row.Amplitude,
			ChangePct:    row.ChangePct,
			ChangeAmount: row.ChangeAmount,
			TurnoverRate: row.TurnoverRate,
		}
	}
	return bars, nil
}

// wireListing is one row of the gateway's security master.
type wireListing struct {
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Sector   string   `json:"sector"`
	Industry string   `json:"industry"`
	ListDate string   `json:"list_date"`
	IsST     bool     `json:"is_st"`
	IsSusp   bool     `json:"is_suspend"`
	TotalMV  *float64 `json:"total_mv"`
}

// ListSecurities downloads the security master for one asset class.
func (c *Client) ListSecurities(ctx context.Context, asset domain.AssetType) ([]domain.SecurityMeta, error) {
	params := url.Values{}
	params.Set("type", string(asset))

	var rows []wireListing
	if err := c.get(ctx, "/api/listings", params, &rows); err != nil {
		return nil, err
	}

	metas := make([]domain.SecurityMeta, len(rows))
	for i, row := range rows {
		metas[i] = domain.SecurityMeta{
			Symbol:   row.Symbol,
			Name:     row.Name,
			Sector:   row.Sector,
			Industry: row.Industry,
			ListDate: row.ListDate,
			IsST:     row.IsST,
			IsSusp:   row.IsSusp,
			TotalMV:  row.TotalMV,
		}
	}
	return metas, nil
}

// wireFundamental is one valuation row. Pointer fields stay nil when
// the gateway has no figure for the day.
type wireFundamental struct {
	Symbol  string   `json:"symbol"`
	Date    string   `json:"date"`
	PE      *float64 `json:"pe"`
	PB      *float64 `json:"pb"`
	PS      *float64 `json:"ps"`
	TotalMV *float64 `json:"total_mv"`
	CircMV  *float64 `json:"circ_mv"`
}

func (w wireFundamental) toDomain(symbol string) domain.FundamentalSnapshot {
	if w.Symbol == "" {
		w.Symbol = symbol
	}
	return domain.FundamentalSnapshot{
		Symbol:  w.Symbol,
		Date:    w.Date,
		PE:      w.PE,
		PB:      w.PB,
		PS:      w.PS,
		TotalMV: w.TotalMV,
		CircMV:  w.CircMV,
	}
}

// FetchFundamentalSnapshot downloads the latest valuation row for one
// symbol.
func (c *Client) FetchFundamentalSnapshot(ctx context.Context, symbol string) (domain.FundamentalSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var row wireFundamental
	if err := c.get(ctx, "/api/fundamental", params, &row); err != nil {
		return domain.FundamentalSnapshot{}, err
	}
	return row.toDomain(symbol), nil
}

// FetchFundamentalDaily downloads a symbol's valuation history for an
// inclusive date range. Used for backfills.
func (c *Client) FetchFundamentalDaily(ctx context.Context, symbol, start, end string) ([]domain.FundamentalSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("start", start)
	params.Set("end", end)

	var rows []wireFundamental
	if err := c.get(ctx, "/api/fundamental/daily", params, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.FundamentalSnapshot, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain(symbol)
	}
	return out, nil
}
