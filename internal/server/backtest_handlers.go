package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/queue"
	"github.com/hualei/quantdesk/internal/report"
)

// handleListBacktests returns report summaries, most recently updated
// first.
func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.Reports.List(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list backtest reports")
		s.writeError(w, http.StatusInternalServerError, "failed to list backtests")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backtests": summaries,
		"count":     len(summaries),
	})
}

// handleGetBacktest returns the full report of the most recent run for
// a strategy name.
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	report, ok := s.loadReport(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// runRequest is the body of POST /api/backtests/run.
type runRequest struct {
	Name string `json:"name"`
	Type string `json:"type"` // rotation | portfolio
}

// handleRunBacktest queues one strategy for an asynchronous run and
// answers 202 with the run id. Progress arrives on the event stream.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	kind, err := parseBacktestType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	run, err := s.backtests.Enqueue(queue.Request{Names: []string{req.Name}, Type: kind})
	if err != nil {
		switch {
		case contains(err.Error(), "unknown strategy"):
			s.writeError(w, http.StatusNotFound, "%v", err)
		case contains(err.Error(), "queue is full"):
			s.writeError(w, http.StatusServiceUnavailable, "%v", err)
		default:
			s.log.Error().Err(err).Str("name", req.Name).Msg("Failed to queue backtest")
			s.writeError(w, http.StatusInternalServerError, "%v", err)
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns the queue's run history, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.backtests.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns one queued run by id.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, ok := s.backtests.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run with id %s", id)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleBacktestChart renders the report's equity curve as a PNG.
func (s *Server) handleBacktestChart(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.loadReport(w, r)
	if !ok {
		return
	}

	png, err := report.RenderEquityChart(rep)
	if err != nil {
		// Failed runs have no curve to draw.
		s.writeError(w, http.StatusUnprocessableEntity, "cannot render chart: %v", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		s.log.Error().Err(err).Msg("Failed to write chart response")
	}
}

// handleBacktestExport streams the report as an Excel workbook.
func (s *Server) handleBacktestExport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.loadReport(w, r)
	if !ok {
		return
	}

	book, err := report.WriteWorkbook(rep)
	if err != nil {
		s.log.Error().Err(err).Str("name", rep.TaskName).Msg("Failed to build workbook")
		s.writeError(w, http.StatusInternalServerError, "failed to build workbook: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.TaskName+".xlsx"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(book); err != nil {
		s.log.Error().Err(err).Msg("Failed to write workbook response")
	}
}

// loadReport resolves the {name} route parameter to a stored report,
// writing the error response itself when there is none.
func (s *Server) loadReport(w http.ResponseWriter, r *http.Request) (*domain.BacktestReport, bool) {
	name := chi.URLParam(r, "name")
	rep, err := s.store.Reports.Get(r.Context(), name)
	if err != nil {
		s.log.Error().Err(err).Str("name", name).Msg("Failed to load backtest report")
		s.writeError(w, http.StatusInternalServerError, "failed to load report")
		return nil, false
	}
	if rep == nil {
		s.writeError(w, http.StatusNotFound, "no backtest report for %q", name)
		return nil, false
	}
	return rep, true
}

// parseBacktestType maps the API's type names onto the stored kinds.
// The rotation engine is the default and also answers to its storage
// name "single".
func parseBacktestType(t string) (domain.BacktestType, error) {
	switch t {
	case "", "rotation", string(domain.BacktestRotation):
		return domain.BacktestRotation, nil
	case string(domain.BacktestPortfolio):
		return domain.BacktestPortfolio, nil
	default:
		return "", fmt.Errorf("unknown backtest type %q, want rotation or portfolio", t)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
