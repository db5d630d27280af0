package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/hualei/quantdesk/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// Cache staleness threshold
	statusStaleThreshold = 5 * time.Minute
)

// Session status values pushed by the gateway.
const (
	StatusOpen       = "open"
	StatusLunchBreak = "lunch_break"
	StatusClosed     = "closed"
)

// MarketStatus is the cached A-share session state.
type MarketStatus struct {
	Status    string    `json:"status"`
	TradeDate string    `json:"trade_date"` // YYYY-MM-DD
	UpdatedAt time.Time `json:"updated_at"`
}

// MarketStatusStream keeps a live websocket to the gateway's session
// status channel, caches the last push and republishes changes on the
// event bus. The scheduler consults the cache before post-close jobs.
type MarketStatusStream struct {
	url        string
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	bus *events.Bus
	log zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	cacheMu sync.RWMutex
	status  MarketStatus
	haveAny bool
}

// NewMarketStatusStream creates a stream client. Start must be called
// before the cache fills.
func NewMarketStatusStream(url string, bus *events.Bus, log zerolog.Logger) *MarketStatusStream {
	return &MarketStatusStream{
		url:      url,
		bus:      bus,
		log:      log.With().Str("component", "market_status_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start opens the connection and begins the read loop. A failed first
// dial falls back to background reconnection.
func (ws *MarketStatusStream) Start() error {
	ws.log.Info().Str("url", ws.url).Msg("Starting market status stream")

	if err := ws.connect(); err != nil {
		ws.log.Warn().Err(err).Msg("Initial websocket connection failed, will retry in background")
		go ws.reconnectLoop()
		return err
	}

	ws.mu.RLock()
	ctx := ws.connCtx
	ws.mu.RUnlock()
	go ws.readMessages(ctx)

	return nil
}

// Stop shuts the stream down.
func (ws *MarketStatusStream) Stop() error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	ws.mu.Unlock()

	close(ws.stopChan)
	return ws.disconnect()
}

// Snapshot returns the cached status and whether a push has arrived
// recently enough to trust.
func (ws *MarketStatusStream) Snapshot() (MarketStatus, bool) {
	ws.cacheMu.RLock()
	defer ws.cacheMu.RUnlock()

	fresh := ws.haveAny && time.Since(ws.status.UpdatedAt) < statusStaleThreshold
	return ws.status, fresh
}

// Connected reports the live-socket state.
func (ws *MarketStatusStream) Connected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}

func (ws *MarketStatusStream) connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connCtx = connCtx
	ws.cancelFunc = connCancel
	ws.connected = true

	if err := ws.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		ws.conn = nil
		ws.connCtx = nil
		ws.cancelFunc = nil
		ws.connected = false
		return fmt.Errorf("failed to subscribe to market status: %w", err)
	}

	ws.log.Info().Msg("Connected to market status channel")
	return nil
}

func (ws *MarketStatusStream) disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		return nil
	}

	// The close handshake must run before the read context is cancelled:
	// cancellation hard-closes the socket underneath Close and turns a
	// clean shutdown into a handshake error. If the handshake still
	// fails (peer gone, socket already dead), drop the connection
	// without ceremony.
	if err := ws.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		ws.log.Debug().Err(err).Msg("Close handshake failed, dropping connection")
		ws.conn.CloseNow()
	}

	if ws.cancelFunc != nil {
		ws.cancelFunc()
		ws.cancelFunc = nil
	}
	ws.conn = nil
	ws.connCtx = nil
	ws.connected = false
	return nil
}

// subscribe sends the channel subscription. Protocol: ["market_status"].
func (ws *MarketStatusStream) subscribe(ctx context.Context) error {
	data, err := json.Marshal([]string{"market_status"})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := ws.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

func (ws *MarketStatusStream) readMessages(ctx context.Context) {
	defer func() {
		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if !stopped {
			go ws.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ws.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway:
				ws.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			case ctx.Err() != nil:
				ws.log.Debug().Msg("Read cancelled by context")
			default:
				ws.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := ws.handleMessage(message); err != nil {
			ws.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle websocket message")
		}
	}
}

// wireStatus is the pushed session payload.
type wireStatus struct {
	Status    string `json:"status"`
	TradeDate string `json:"trade_date"`
	Timestamp string `json:"timestamp"`
}

// handleMessage parses the channel envelope: ["market_status", {...}].
func (ws *MarketStatusStream) handleMessage(message []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(message, &raw); err != nil {
		return fmt.Errorf("failed to parse message array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("message array too short: expected 2 elements, got %d", len(raw))
	}

	var channel string
	if err := json.Unmarshal(raw[0], &channel); err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}
	if channel != "market_status" {
		ws.log.Debug().Str("channel", channel).Msg("Ignoring message on other channel")
		return nil
	}

	var payload wireStatus
	if err := json.Unmarshal(raw[1], &payload); err != nil {
		return fmt.Errorf("failed to parse status payload: %w", err)
	}
	ws.applyStatus(payload)
	return nil
}

func (ws *MarketStatusStream) applyStatus(payload wireStatus) {
	now := time.Now()

	ws.cacheMu.Lock()
	changed := !ws.haveAny ||
		ws.status.Status != payload.Status ||
		ws.status.TradeDate != payload.TradeDate
	ws.status = MarketStatus{
		Status:    payload.Status,
		TradeDate: payload.TradeDate,
		UpdatedAt: now,
	}
	ws.haveAny = true
	ws.cacheMu.Unlock()

	if !changed {
		return
	}

	ws.log.Info().
		Str("status", payload.Status).
		Str("trade_date", payload.TradeDate).
		Msg("Market session status changed")

	if ws.bus != nil {
		ws.bus.Emit(events.MarketStatusChanged, "market_status_stream", map[string]interface{}{
			"status":     payload.Status,
			"trade_date": payload.TradeDate,
			"updated_at": now.Format(time.RFC3339),
		})
	}
}

func (ws *MarketStatusStream) reconnectLoop() {
	ws.mu.Lock()
	if ws.reconnecting || ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-ws.stopChan:
			return
		default:
		}

		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if stopped {
			return
		}

		attempt++
		delay := ws.calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			ws.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to market status channel")
		} else {
			ws.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnection past max attempts, still retrying")
		}

		select {
		case <-time.After(delay):
		case <-ws.stopChan:
			return
		}

		if err := ws.connect(); err != nil {
			ws.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		ws.mu.RLock()
		ctx := ws.connCtx
		ws.mu.RUnlock()
		go ws.readMessages(ctx)
		return
	}
}

// calculateBackoff returns the exponential delay for a reconnect
// attempt, capped at maxReconnectDelay.
func (ws *MarketStatusStream) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}
