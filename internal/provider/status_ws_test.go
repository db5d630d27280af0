package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/pkg/logger"
)

// statusServer accepts one websocket session, checks the subscription
// and relays every payload queued on push as a channel frame.
func statusServer(t *testing.T) (string, chan wireStatus) {
	t.Helper()

	push := make(chan wireStatus, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var channels []string
		if json.Unmarshal(msg, &channels) != nil || len(channels) == 0 || channels[0] != "market_status" {
			t.Errorf("unexpected subscription frame: %s", msg)
			return
		}

		for {
			select {
			case payload := <-push:
				frame, _ := json.Marshal([]interface{}{"market_status", payload})
				if conn.Write(ctx, websocket.MessageText, frame) != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), push
}

func TestMarketStatusStreamCachesAndPublishes(t *testing.T) {
	wsURL, push := statusServer(t)

	bus := events.NewBus()
	var mu sync.Mutex
	var seen []*events.Event
	unsubscribe := bus.Subscribe(events.MarketStatusChanged, func(e *events.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	defer unsubscribe()

	stream := NewMarketStatusStream(wsURL, bus, logger.Nop())
	require.NoError(t, stream.Start())
	t.Cleanup(func() { _ = stream.Stop() })

	push <- wireStatus{Status: StatusOpen, TradeDate: "2024-03-01", Timestamp: "2024-03-01T09:30:00+08:00"}

	require.Eventually(t, func() bool {
		_, fresh := stream.Snapshot()
		return fresh
	}, 3*time.Second, 10*time.Millisecond, "the first push should fill the cache")

	status, fresh := stream.Snapshot()
	assert.True(t, fresh)
	assert.Equal(t, StatusOpen, status.Status)
	assert.Equal(t, "2024-03-01", status.TradeDate)
	assert.False(t, status.UpdatedAt.IsZero())

	// A repeat of the same state must not fire a second event; a real
	// transition must.
	push <- wireStatus{Status: StatusOpen, TradeDate: "2024-03-01"}
	push <- wireStatus{Status: StatusLunchBreak, TradeDate: "2024-03-01"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, 3*time.Second, 10*time.Millisecond, "the lunch break transition should reach the bus")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2, "the duplicate open push must not emit")
	assert.Equal(t, events.MarketStatusChanged, seen[0].Type)
	assert.Equal(t, "open", seen[0].Data["status"])
	assert.Equal(t, "lunch_break", seen[1].Data["status"])
	assert.Equal(t, "2024-03-01", seen[1].Data["trade_date"])

	status, _ = stream.Snapshot()
	assert.Equal(t, StatusLunchBreak, status.Status)
}

func TestMarketStatusStreamStopIsClean(t *testing.T) {
	wsURL, _ := statusServer(t)

	stream := NewMarketStatusStream(wsURL, events.NewBus(), logger.Nop())
	require.NoError(t, stream.Start())

	require.Eventually(t, func() bool {
		return stream.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, stream.Stop())
	assert.False(t, stream.Connected())
	assert.NoError(t, stream.Stop(), "a second stop is a no-op")
}

func TestSnapshotStaleWithoutAnyPush(t *testing.T) {
	stream := NewMarketStatusStream("ws://127.0.0.1:1/status", events.NewBus(), logger.Nop())

	status, fresh := stream.Snapshot()
	assert.False(t, fresh, "no push yet means the cache cannot be trusted")
	assert.Empty(t, status.Status)
}

func TestHandleMessageRejectsMalformedFrames(t *testing.T) {
	stream := NewMarketStatusStream("ws://unused", events.NewBus(), logger.Nop())

	assert.Error(t, stream.handleMessage([]byte(`not json`)))
	assert.Error(t, stream.handleMessage([]byte(`["market_status"]`)), "a frame without a payload is rejected")

	// Frames for other channels are ignored without touching the cache.
	require.NoError(t, stream.handleMessage([]byte(`["heartbeat", {}]`)))
	_, fresh := stream.Snapshot()
	assert.False(t, fresh)

	require.NoError(t, stream.handleMessage([]byte(`["market_status", {"status": "closed", "trade_date": "2024-03-01"}]`)))
	status, fresh := stream.Snapshot()
	assert.True(t, fresh)
	assert.Equal(t, StatusClosed, status.Status)
}

func TestCalculateBackoffDoublesAndCaps(t *testing.T) {
	stream := NewMarketStatusStream("ws://unused", nil, logger.Nop())

	assert.Equal(t, baseReconnectDelay, stream.calculateBackoff(1))
	assert.Equal(t, 2*baseReconnectDelay, stream.calculateBackoff(2))
	assert.Equal(t, 4*baseReconnectDelay, stream.calculateBackoff(3))
	assert.Equal(t, maxReconnectDelay, stream.calculateBackoff(30))
}

func TestStopWhileServerUnreachable(t *testing.T) {
	stream := NewMarketStatusStream("ws://127.0.0.1:1/status", events.NewBus(), logger.Nop())

	err := stream.Start()
	require.Error(t, err, "nothing listens on port 1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = stream.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("stop must not hang while the reconnect loop is backing off")
	}
}
