package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/store"
)

// handleHealth handles health check requests: a database ping plus the
// process uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.store.DB().Conn().PingContext(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Health check database ping failed")
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"service":        "quantdesk",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListSignals returns persisted trader rows, filtered by
// ?mode=etf|ashare, ?date=, ?kind=buy|sell|hold and ?limit=.
func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAssetParam(r.URL.Query().Get("mode"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	q := store.SignalQuery{
		Asset: asset,
		Date:  normalizeDate(r.URL.Query().Get("date")),
		Kind:  domain.SignalKind(r.URL.Query().Get("kind")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit %q", limit)
			return
		}
		q.Limit = n
	}

	rows, err := s.store.Signals.List(r.Context(), q)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list signals")
		s.writeError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": rows,
		"count":   len(rows),
	})
}

// generateRequest is the body of POST /api/signals/generate. Date is
// optional; empty means the most recent loaded bar.
type generateRequest struct {
	Mode string `json:"mode"`
	Date string `json:"date"`
}

// handleGenerateSignals runs the signal generator now, synchronously,
// and reports the batch shape. The scheduler normally does this after
// the close; the endpoint exists for reruns and ad-hoc dates.
func (s *Server) handleGenerateSignals(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Mode == "" {
		s.writeError(w, http.StatusBadRequest, "mode is required (etf or ashare)")
		return
	}
	asset, err := parseAssetParam(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	batch, err := s.signals.Run(r.Context(), asset, normalizeDate(req.Date))
	if err != nil {
		s.log.Error().Err(err).Str("mode", req.Mode).Msg("Manual signal run failed")
		s.writeError(w, http.StatusInternalServerError, "signal run failed: %v", err)
		return
	}

	failed := make([]string, 0)
	for _, f := range batch.Failed() {
		failed = append(failed, f.Task)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":         batch.Date,
		"asset":        batch.Asset,
		"signals":      len(batch.Signals),
		"tasks":        len(batch.PerTask),
		"failed_tasks": failed,
	})
}

// strategyFailure is the API view of a strategy file that did not load.
type strategyFailure struct {
	File  string `json:"file"`
	Name  string `json:"name,omitempty"`
	Error string `json:"error"`
}

// handleListStrategies reloads the strategy catalog from disk and
// returns the loaded tasks plus everything that failed validation.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	tasks, failures, err := s.strategies.Load()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load strategy catalog")
		s.writeError(w, http.StatusInternalServerError, "failed to load strategies: %v", err)
		return
	}

	apiFailures := make([]strategyFailure, 0, len(failures))
	for _, f := range failures {
		apiFailures = append(apiFailures, strategyFailure{
			File:  f.File,
			Name:  f.Name,
			Error: f.Err.Error(),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": tasks,
		"count":      len(tasks),
		"failures":   apiFailures,
	})
}

// parseAssetParam maps the API's mode parameter onto an asset class.
// Empty means "any" for list endpoints.
func parseAssetParam(mode string) (domain.AssetType, error) {
	switch mode {
	case "":
		return "", nil
	case string(domain.AssetETF):
		return domain.AssetETF, nil
	case string(domain.AssetAShare):
		return domain.AssetAShare, nil
	default:
		return "", fmt.Errorf("unknown mode %q, want etf or ashare", mode)
	}
}

// normalizeDate accepts both the API's YYYY-MM-DD and the CLI-style
// YYYYMMDD and returns the storage form. Anything else passes through
// untouched; the query simply matches nothing.
func normalizeDate(date string) string {
	if len(date) != 8 {
		return date
	}
	if t, err := time.Parse("20060102", date); err == nil {
		return t.Format("2006-01-02")
	}
	return date
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s.writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
