package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/events"
)

// streamBuffer is the per-connection event buffer. Bus handlers must
// not block, so a full buffer drops frames for that client instead of
// stalling the emitter.
const streamBuffer = 100

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// EventsStreamHandler streams bus events to dashboard clients as
// Server-Sent Events.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the SSE handler over the given bus.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream. An optional ?types=A,B
// query narrows the stream to those event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	typesFilter := parseTypesFilter(r.URL.Query().Get("types"))

	eventChan := make(chan *events.Event, streamBuffer)
	forward := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	// Per-type subscriptions when filtered, the catch-all otherwise.
	// The unsubscribe closures tear the connection's handlers down on
	// disconnect so the bus never accumulates dead clients.
	var unsubscribe []func()
	if typesFilter != nil {
		for t := range typesFilter {
			unsubscribe = append(unsubscribe, h.bus.Subscribe(t, forward))
		}
	} else {
		unsubscribe = append(unsubscribe, h.bus.SubscribeAll(forward))
	}
	defer func() {
		for _, unsub := range unsubscribe {
			unsub()
		}
	}()

	h.log.Info().Int("type_filters", len(typesFilter)).Msg("Client connected to event stream")

	h.writeFrame(w, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			h.writeFrame(w, map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			})
			flusher.Flush()

		case <-heartbeat.C:
			h.writeFrame(w, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			flusher.Flush()
		}
	}
}

// writeFrame renders one SSE data frame.
func (h *EventsStreamHandler) writeFrame(w http.ResponseWriter, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		data = []byte(`{"error":"failed to encode event"}`)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// parseTypesFilter splits the ?types= list; nil means no filter.
func parseTypesFilter(raw string) map[events.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out[events.EventType(t)] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
