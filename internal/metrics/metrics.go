// Package metrics provides Prometheus instrumentation for the perp engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// TradesTotal counts trade legs executed, partitioned by product and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trades_total",
		Help: "Total number of trade legs executed",
	}, []string{"product", "side"})

	// OperationLatency tracks engine operation latency, including persistence.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OperationErrors counts rejected or failed operations by error class.
	OperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operation_errors_total",
		Help: "Engine operations that did not commit",
	}, []string{"operation", "reason"})

	// PoolLiquidity tracks each pool's USDC liquidity.
	PoolLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_pool_liquidity_usdc",
		Help: "Pool amount liquidity in USDC",
	}, []string{"product"})

	// PoolLocked tracks each pool's locked liquidity.
	PoolLocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_pool_locked_usdc",
		Help: "Pool locked liquidity in USDC",
	}, []string{"product"})

	// PoolPosition tracks each pool's signed position in product units.
	PoolPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_pool_position",
		Help: "Pool signed position in product units",
	}, []string{"product"})

	// HedgePosition tracks the underlying hedge held against each pool.
	HedgePosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_hedge_position",
		Help: "Spot hedge attributed to each pool, in underlying units",
	}, []string{"product"})

	// Vaults tracks the number of vaults.
	Vaults = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_vaults",
		Help: "Number of trader vaults",
	})

	// LiquidationsTotal counts liquidations, partitioned by outcome.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Vault liquidations",
	}, []string{"outcome"})

	// HedgesTotal counts completed hedges.
	HedgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_hedges_total",
		Help: "Completed hedges",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_position_limit_rejections_total",
		Help: "Trades rejected by exposure limits",
	})
)

// Float converts a fixed-point value with the given decimals for a gauge.
func Float(v decimal.Decimal, decimals int32) float64 {
	f, _ := v.Shift(-decimals).Float64()
	return f
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
