// Package queue runs backtests asynchronously. The HTTP API and the
// CLI enqueue requests, a single worker drains them in order, and every
// state change is published on the event bus so the SSE stream and the
// Prometheus bridge see the same progress the caller does. One worker
// is deliberate: backtests are CPU and cache heavy, and serializing
// them keeps a queued batch from thrashing the factor cache.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/strategy"
)

// DefaultCapacity bounds the pending channel. Enqueue rejects work
// beyond it instead of blocking the caller.
const DefaultCapacity = 16

// maxKeptRuns caps the in-memory run history. Finished runs beyond it
// are forgotten oldest first.
const maxKeptRuns = 100

// RunStatus is the lifecycle state of a queued run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Request asks for one queue slot covering the named strategies.
type Request struct {
	Names []string            `json:"names"`
	Type  domain.BacktestType `json:"type"`
}

// TaskOutcome records how one strategy of a run ended. A failed
// backtest still produces an outcome, carrying the report's error code.
type TaskOutcome struct {
	Name        string              `json:"name"`
	Status      domain.ReportStatus `json:"status"`
	ErrorCode   string              `json:"error_code,omitempty"`
	TotalReturn float64             `json:"total_return"`
	ReportID    int64               `json:"report_id,omitempty"`
	Elapsed     string              `json:"elapsed"`
}

// Run is the queue's view of one request, from enqueue to finish.
type Run struct {
	ID         string              `json:"id"`
	Names      []string            `json:"names"`
	Type       domain.BacktestType `json:"type"`
	Status     RunStatus           `json:"status"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Outcomes   []TaskOutcome       `json:"outcomes,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Backtester runs one task to a persistable report. Failures come back
// inside the report, never as a second return.
type Backtester interface {
	Run(ctx context.Context, task domain.Task, kind domain.BacktestType) *domain.BacktestReport
}

// TaskCatalog resolves strategy names at enqueue time. The strategy
// loader satisfies it; resolving on enqueue means a run executes the
// catalog as the caller saw it, not as it looks when the worker gets
// around to the run.
type TaskCatalog interface {
	Load() ([]domain.Task, []strategy.LoadFailure, error)
}

// ReportSink persists finished reports.
type ReportSink interface {
	Save(ctx context.Context, report *domain.BacktestReport) (int64, error)
}

// Config wires a Manager.
type Config struct {
	Backtester Backtester
	Catalog    TaskCatalog
	Reports    ReportSink
	Events     *events.Manager // optional
	Version    string          // tags BacktestStarted events, default "v1"
	Capacity   int             // pending slots, default DefaultCapacity
}

type item struct {
	run   *Run
	tasks []domain.Task
}

// Manager owns the pending channel, the worker and the run history.
type Manager struct {
	cfg     Config
	log     zerolog.Logger
	pending chan item
	done    chan struct{}

	mu    sync.RWMutex
	runs  map[string]*Run
	order []string // newest first
}

// NewManager creates a manager. Call Start to launch the worker.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Manager{
		cfg:     cfg,
		log:     log.With().Str("component", "backtest_queue").Logger(),
		pending: make(chan item, cfg.Capacity),
		done:    make(chan struct{}),
		runs:    make(map[string]*Run),
	}
}

// Start launches the worker goroutine. Cancel ctx to stop it; the task
// in flight finishes its report first.
func (m *Manager) Start(ctx context.Context) {
	go m.work(ctx)
}

// Wait blocks until the worker has exited. Only meaningful after Start.
func (m *Manager) Wait() {
	<-m.done
}

// Enqueue resolves the request against the strategy catalog and queues
// one run. Unknown or broken names fail the whole request so a typo
// cannot silently run half a batch.
func (m *Manager) Enqueue(req Request) (Run, error) {
	if len(req.Names) == 0 {
		return Run{}, fmt.Errorf("no strategy names given")
	}
	kind := req.Type
	if kind == "" {
		kind = domain.BacktestRotation
	}

	tasks, failures, err := m.cfg.Catalog.Load()
	if err != nil {
		return Run{}, fmt.Errorf("failed to load strategies: %w", err)
	}
	byName := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}

	resolved := make([]domain.Task, 0, len(req.Names))
	for _, name := range req.Names {
		task, ok := byName[name]
		if !ok {
			for _, f := range failures {
				if f.Name == name {
					return Run{}, fmt.Errorf("strategy %s failed to load: %w", name, f.Err)
				}
			}
			return Run{}, fmt.Errorf("unknown strategy %q", name)
		}
		resolved = append(resolved, task)
	}

	run := &Run{
		ID:         uuid.NewString(),
		Names:      append([]string(nil), req.Names...),
		Type:       kind,
		Status:     StatusQueued,
		EnqueuedAt: time.Now(),
	}

	m.mu.Lock()
	select {
	case m.pending <- item{run: run, tasks: resolved}:
		m.runs[run.ID] = run
		m.order = append([]string{run.ID}, m.order...)
		m.trimLocked()
	default:
		m.mu.Unlock()
		return Run{}, fmt.Errorf("backtest queue is full (%d pending)", cap(m.pending))
	}
	snap := snapshot(run)
	m.mu.Unlock()

	m.emit(events.BacktestQueued, &events.BacktestQueuedData{RunID: run.ID, Names: snap.Names})
	m.log.Info().
		Str("run_id", run.ID).
		Strs("names", snap.Names).
		Str("type", string(kind)).
		Msg("Backtest run queued")
	return snap, nil
}

// Get returns a point-in-time copy of one run.
func (m *Manager) Get(id string) (Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return snapshot(run), true
}

// List returns copies of all remembered runs, newest first.
func (m *Manager) List() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.order))
	for _, id := range m.order {
		if run, ok := m.runs[id]; ok {
			out = append(out, snapshot(run))
		}
	}
	return out
}

func (m *Manager) work(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-m.pending:
			m.process(ctx, it)
		}
	}
}

func (m *Manager) process(ctx context.Context, it item) {
	run := it.run

	m.mu.Lock()
	started := time.Now()
	run.Status = StatusRunning
	run.StartedAt = &started
	m.mu.Unlock()

	for _, task := range it.tasks {
		if ctx.Err() != nil {
			m.finish(run, StatusFailed, "worker stopped before the run finished")
			return
		}
		m.runTask(ctx, run, task)
	}
	m.finish(run, StatusCompleted, "")

	m.log.Info().
		Str("run_id", run.ID).
		Int("tasks", len(it.tasks)).
		Dur("elapsed", time.Since(started)).
		Msg("Backtest run finished")
}

// runTask executes one strategy and persists its report. A failed save
// keeps the run going: the outcome and the event still describe the
// backtest itself, just without a stored report id.
func (m *Manager) runTask(ctx context.Context, run *Run, task domain.Task) {
	m.emit(events.BacktestStarted, &events.BacktestStartedData{
		RunID:   run.ID,
		Name:    task.Name,
		Version: m.cfg.Version,
	})

	started := time.Now()
	report := m.cfg.Backtester.Run(ctx, task, run.Type)
	elapsed := time.Since(started).Round(time.Millisecond)

	outcome := TaskOutcome{
		Name:        task.Name,
		Status:      report.Status,
		ErrorCode:   report.ErrorCode,
		TotalReturn: report.TotalReturn,
		Elapsed:     elapsed.String(),
	}

	id, err := m.cfg.Reports.Save(ctx, report)
	if err != nil {
		m.log.Error().Err(err).Str("run_id", run.ID).Str("task", task.Name).
			Msg("Failed to persist backtest report")
		if m.cfg.Events != nil {
			m.cfg.Events.EmitError("backtest_queue", err, map[string]interface{}{
				"run_id": run.ID,
				"task":   task.Name,
			})
		}
	} else {
		outcome.ReportID = id
	}

	m.mu.Lock()
	run.Outcomes = append(run.Outcomes, outcome)
	m.mu.Unlock()

	m.emit(events.BacktestCompleted, &events.BacktestCompletedData{
		RunID:       run.ID,
		Name:        task.Name,
		Status:      string(report.Status),
		ErrorCode:   report.ErrorCode,
		TotalReturn: report.TotalReturn,
		Elapsed:     outcome.Elapsed,
	})
	m.log.Info().
		Str("run_id", run.ID).
		Str("task", task.Name).
		Str("status", string(report.Status)).
		Str("elapsed", outcome.Elapsed).
		Msg("Backtest task finished")
}

func (m *Manager) finish(run *Run, status RunStatus, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	run.Status = status
	run.FinishedAt = &now
	run.Error = errMsg
	m.trimLocked()
}

// trimLocked drops the oldest finished runs past maxKeptRuns. Caller
// holds mu.
func (m *Manager) trimLocked() {
	for len(m.order) > maxKeptRuns {
		id := m.order[len(m.order)-1]
		if run, ok := m.runs[id]; ok {
			if run.Status == StatusQueued || run.Status == StatusRunning {
				return
			}
			delete(m.runs, id)
		}
		m.order = m.order[:len(m.order)-1]
	}
}

func (m *Manager) emit(t events.EventType, data events.EventData) {
	if m.cfg.Events == nil {
		return
	}
	m.cfg.Events.EmitTyped(t, "backtest_queue", data)
}

func snapshot(run *Run) Run {
	s := *run
	s.Names = append([]string(nil), run.Names...)
	s.Outcomes = append([]TaskOutcome(nil), run.Outcomes...)
	return s
}
