package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/pkg/logger"
)

// sseRecorder is a flushable response writer safe to read while the
// handler goroutine is still writing frames.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   bytes.Buffer
	status int
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) Body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func streamRequest(t *testing.T, target string) (*http.Request, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	return req, cancel
}

func TestEventsStreamDeliversBusEvents(t *testing.T) {
	bus := events.NewBus()
	h := NewEventsStreamHandler(bus, logger.Nop())

	rec := newSSERecorder()
	req, cancel := streamRequest(t, "/api/events/stream")

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	// The subscription registers inside ServeHTTP, so emit until the
	// frame shows up rather than assuming the goroutine has started.
	require.Eventually(t, func() bool {
		bus.Emit(events.SignalsGenerated, "signals", map[string]interface{}{"asset": "etf"})
		return strings.Contains(rec.Body(), string(events.SignalsGenerated))
	}, 3*time.Second, 20*time.Millisecond, "an emitted event should reach the stream")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler must return once the client context is cancelled")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body()
	assert.Contains(t, body, `"type":"connected"`, "the stream opens with a connected frame")
	assert.Contains(t, body, `"module":"signals"`)
	assert.Contains(t, body, `"asset":"etf"`)
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		assert.True(t, strings.HasPrefix(frame, "data: "), "every frame is an SSE data line: %q", frame)
	}
}

func TestEventsStreamTypeFilter(t *testing.T) {
	bus := events.NewBus()
	h := NewEventsStreamHandler(bus, logger.Nop())

	rec := newSSERecorder()
	req, cancel := streamRequest(t, "/api/events/stream?types=BACKTEST_COMPLETED")

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Emit(events.DownloadCompleted, "downloader", nil)
		bus.Emit(events.BacktestCompleted, "queue", map[string]interface{}{"task": "rotation-v1"})
		return strings.Contains(rec.Body(), string(events.BacktestCompleted))
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	body := rec.Body()
	assert.Contains(t, body, `"task":"rotation-v1"`)
	assert.NotContains(t, body, string(events.DownloadCompleted), "filtered-out types must not be forwarded")
}

func TestEventsStreamUnsubscribesOnDisconnect(t *testing.T) {
	bus := events.NewBus()
	h := NewEventsStreamHandler(bus, logger.Nop())

	rec := newSSERecorder()
	req, cancel := streamRequest(t, "/api/events/stream")

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Emit(events.BackupCompleted, "backup", nil)
		return strings.Contains(rec.Body(), string(events.BackupCompleted))
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	// After the handler returns its subscription is gone; emitting more
	// must not grow the body.
	before := rec.Body()
	bus.Emit(events.BackupCompleted, "backup", nil)
	assert.Equal(t, before, rec.Body(), "a disconnected client must not receive events")
}

func TestEventsStreamRequiresFlusher(t *testing.T) {
	h := NewEventsStreamHandler(events.NewBus(), logger.Nop())

	inner := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/events/stream", nil)

	// Hide the recorder's Flush so the writer no longer satisfies
	// http.Flusher.
	h.ServeHTTP(struct{ http.ResponseWriter }{inner}, req)
	assert.Equal(t, http.StatusInternalServerError, inner.Code)
}
