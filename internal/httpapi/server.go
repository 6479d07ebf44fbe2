// Package httpapi is the thin HTTP surface over the backtester and the
// historical data pipeline.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/tradecore/internal/metrics"
	"github.com/tradecore/tradecore/internal/store/colstore"
	"github.com/tradecore/tradecore/internal/store/postgres"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

func (c *ServerConfig) defaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// IngestorAPI is the slice of the ingestor the transport needs.
type IngestorAPI interface {
	Ingest(ctx context.Context, pair, timeframe string, startDate, endDate time.Time, priority int) (*postgres.IngestionJob, error)
	DetectGaps(ctx context.Context, pair, timeframe string) ([]postgres.DataGap, error)
	RepairGaps(ctx context.Context, pair, timeframe string) (int, error)
	Prefetch(ctx context.Context, pairs, timeframes []string, days int) error
}

// SourceGetter resolves one data source row.
type SourceGetter interface {
	Get(ctx context.Context, pair, timeframe, exchange string) (*postgres.DataSource, error)
}

// BacktestStore persists and lists backtest records. Optional.
type BacktestStore interface {
	Insert(ctx context.Context, rec postgres.BacktestRecord) (string, error)
	Get(ctx context.Context, userID, id string) (*postgres.BacktestRecord, error)
	List(ctx context.Context, f postgres.BacktestFilter) ([]postgres.BacktestRecord, error)
}

// Deps are the capability handles the handlers work with.
type Deps struct {
	Ingestor  IngestorAPI
	Sources   SourceGetter
	Candles   *colstore.Store
	Backtests BacktestStore
	Exchange  string
	Metrics   *metrics.Registry
}

// Server is the HTTP transport.
type Server struct {
	cfg    ServerConfig
	deps   Deps
	router *mux.Router
	srv    *http.Server
}

// NewServer builds the router and handlers.
func NewServer(cfg ServerConfig, deps Deps) *Server {
	cfg.defaults()
	s := &Server{cfg: cfg, deps: deps, router: mux.NewRouter()}
	s.routes()
	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.instrument)

	api.HandleFunc("/backtest/run", s.handleBacktestRun).Methods(http.MethodPost)
	api.HandleFunc("/backtest/optimize", s.handleOptimize).Methods(http.MethodPost)
	api.HandleFunc("/backtest", s.handleBacktestList).Methods(http.MethodGet)
	api.HandleFunc("/backtest/{id}", s.handleBacktestGet).Methods(http.MethodGet)

	api.HandleFunc("/histdata/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/histdata/prefetch", s.handlePrefetch).Methods(http.MethodPost)
	api.HandleFunc("/histdata/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/histdata/gaps", s.handleGaps).Methods(http.MethodGet)
	api.HandleFunc("/histdata/repair", s.handleRepair).Methods(http.MethodPost)
	api.HandleFunc("/histdata/read", s.handleRead).Methods(http.MethodGet)
}

// instrument records request counts and latency per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.deps.Metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
