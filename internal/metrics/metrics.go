// Package metrics exposes the Prometheus instruments shared across the
// platform. One Registry is wired at startup and handed to the components
// that record into it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every instrument the platform records.
type Registry struct {
	reg *prometheus.Registry

	BusEvents    *prometheus.CounterVec
	BusErrors    prometheus.Counter
	WSMessages   *prometheus.CounterVec
	WSReconnects *prometheus.CounterVec

	IngestChunks  *prometheus.CounterVec
	IngestCandles *prometheus.CounterVec
	GapsDetected  *prometheus.CounterVec
	GapsRepaired  *prometheus.CounterVec

	OrdersCreated  *prometheus.CounterVec
	OrdersFilled   prometheus.Counter
	OrdersRejected prometheus.Counter
	RiskDenials    *prometheus.CounterVec
	BreakerTrips   prometheus.Counter

	BacktestRuns     prometheus.Counter
	BacktestDuration prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds a Registry backed by its own Prometheus registry, so tests can
// create them freely without duplicate-registration panics.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		BusEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_bus_events_total",
			Help: "Events published on the bus by event name.",
		}, []string{"event"}),
		BusErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_bus_handler_errors_total",
			Help: "Bus handler panics and failures.",
		}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ws_messages_total",
			Help: "WebSocket messages received by venue.",
		}, []string{"venue"}),
		WSReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ws_reconnects_total",
			Help: "WebSocket reconnect attempts by venue.",
		}, []string{"venue"}),
		IngestChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ingest_chunks_total",
			Help: "Candle chunks fetched by exchange.",
		}, []string{"exchange"}),
		IngestCandles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_ingest_candles_total",
			Help: "Candles stored by pair.",
		}, []string{"pair"}),
		GapsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_gaps_detected_total",
			Help: "Data gaps detected by pair.",
		}, []string{"pair"}),
		GapsRepaired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_gaps_repaired_total",
			Help: "Data gaps repaired by pair.",
		}, []string{"pair"}),
		OrdersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_orders_created_total",
			Help: "Orders created by type.",
		}, []string{"type"}),
		OrdersFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_orders_filled_total",
			Help: "Orders fully filled.",
		}),
		OrdersRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_orders_rejected_total",
			Help: "Orders rejected at submission.",
		}),
		RiskDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_risk_denials_total",
			Help: "Trades denied by risk check name.",
		}, []string{"check"}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_circuit_breaker_trips_total",
			Help: "Per-user circuit breaker activations.",
		}),
		BacktestRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "tradecore_backtest_runs_total",
			Help: "Backtests executed.",
		}),
		BacktestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradecore_backtest_duration_seconds",
			Help:    "Backtest wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tradecore_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradecore_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
