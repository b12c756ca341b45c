// Package metrics provides Prometheus instrumentation for the custody engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders by side, kind, and final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_orders_total",
		Help: "Total number of orders processed",
	}, []string{"side", "kind", "status"})

	// OrderLatency tracks end-to-end placement latency including wallet setup.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// AllowanceRetries counts orders resubmitted after re-approval.
	AllowanceRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_allowance_retries_total",
		Help: "Orders retried once after an allowance rejection",
	})

	// WalletSetupTotal counts wallet lifecycle steps by result.
	WalletSetupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_wallet_setup_total",
		Help: "Wallet deployment and approval steps",
	}, []string{"step", "result"})

	// StaleFlagResets counts cached wallet flags contradicted by the chain.
	StaleFlagResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_wallet_stale_flag_resets_total",
		Help: "Cached deployment or approval flags reset after on-chain verification",
	}, []string{"flag"})

	// CommissionsTotal counts commission records by status.
	CommissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_commissions_total",
		Help: "Commission records by resulting status",
	}, []string{"status"})

	// CommissionCollected tracks transferred commission in collateral units.
	CommissionCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_commission_collected_total",
		Help: "Cumulative commission transferred to the operator wallet",
	})

	// GasSponsorships counts native-token top-ups sent to commission senders.
	GasSponsorships = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_gas_sponsorships_total",
		Help: "Gas sponsorship transfers by result",
	}, []string{"result"})

	// ExchangeRequestDuration tracks order-book API latency by endpoint.
	ExchangeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_exchange_request_duration_seconds",
		Help:    "Order-book API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// RateLimitRejections counts order requests refused by the per-user limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_rate_limit_rejections_total",
		Help: "Order requests rejected by the per-user rate limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 60},
	}, []string{"method", "path"})
)

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the matched chi pattern so user ids in the path
// do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
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

// Hijack lets the WebSocket upgrade pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
