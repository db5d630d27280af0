// Package server exposes the HTTP API of the daemon: signal and
// backtest queries, report rendering, manual triggers, the SSE event
// stream and the Prometheus scrape endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/events"
	"github.com/hualei/quantdesk/internal/provider"
	"github.com/hualei/quantdesk/internal/queue"
	"github.com/hualei/quantdesk/internal/signal"
	"github.com/hualei/quantdesk/internal/store"
	"github.com/hualei/quantdesk/internal/strategy"
	"github.com/hualei/quantdesk/internal/telemetry"
)

// apiTimeout bounds ordinary API requests. The SSE stream and the
// signal generator trigger run outside it.
const apiTimeout = 60 * time.Second

// generateTimeout bounds a manually triggered signal run. Full A-share
// universes take minutes to preload.
const generateTimeout = 10 * time.Minute

// SignalRunner generates and persists one signal batch. *signal.Runner
// satisfies it.
type SignalRunner interface {
	Run(ctx context.Context, asset domain.AssetType, date string) (*signal.Batch, error)
}

// TaskCatalog lists the strategy files on disk. *strategy.Loader
// satisfies it.
type TaskCatalog interface {
	Load() ([]domain.Task, []strategy.LoadFailure, error)
}

// StatusSource is the cached market session feed, nil when the daemon
// runs without the websocket channel.
type StatusSource interface {
	Snapshot() (provider.MarketStatus, bool)
	Connected() bool
}

// Config holds server configuration.
type Config struct {
	Port       int
	Log        zerolog.Logger
	Store      *store.Store
	Bus        *events.Bus
	Metrics    *telemetry.Metrics
	Signals    SignalRunner
	Strategies TaskCatalog
	Backtests  *queue.Manager
	Status     StatusSource
	DataDir    string
	DevMode    bool
}

// Server represents the HTTP server.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	log        zerolog.Logger
	store      *store.Store
	bus        *events.Bus
	metrics    *telemetry.Metrics
	signals    SignalRunner
	strategies TaskCatalog
	backtests  *queue.Manager
	status     StatusSource
	dataDir    string
	startedAt  time.Time
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		store:      cfg.Store,
		bus:        cfg.Bus,
		metrics:    cfg.Metrics,
		signals:    cfg.Signals,
		strategies: cfg.Strategies,
		backtests:  cfg.Backtests,
		status:     cfg.Status,
		dataDir:    cfg.DataDir,
		startedAt:  time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open; per-route timeouts bound the rest
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Prometheus request duration by route pattern
	if s.metrics != nil {
		s.router.Use(s.metrics.HTTPMiddleware)
	}

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// The event stream outlives any sane request budget, so it
		// stays outside the timeout groups.
		if s.bus != nil {
			stream := NewEventsStreamHandler(s.bus, s.log)
			r.Get("/events/stream", stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(generateTimeout))
			r.Post("/signals/generate", s.handleGenerateSignals)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(apiTimeout))

			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)
			})

			r.Get("/signals", s.handleListSignals)
			r.Get("/strategies", s.handleListStrategies)

			r.Route("/backtests", func(r chi.Router) {
				r.Get("/", s.handleListBacktests)
				r.Post("/run", s.handleRunBacktest)
				r.Get("/runs", s.handleListRuns)
				r.Get("/runs/{id}", s.handleGetRun)
				r.Get("/{name}", s.handleGetBacktest)
				r.Get("/{name}/chart.png", s.handleBacktestChart)
				r.Get("/{name}/export.xlsx", s.handleBacktestExport)
			})
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
