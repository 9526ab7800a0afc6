// Package metrics provides Prometheus instrumentation for the account engine.
package metrics

import (
	"bufio"
	"errors"
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
	// OrdersTotal counts accepted orders, partitioned by type and action.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acct_orders_total",
		Help: "Total number of orders accepted by the engine",
	}, []string{"type", "action"})

	// OrderRejections counts orders failing validation, by error code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acct_order_rejections_total",
		Help: "Orders rejected by engine validation",
	}, []string{"code"})

	// OrderCancels counts cancelled resting orders.
	OrderCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acct_order_cancels_total",
		Help: "Resting orders cancelled",
	})

	// WalletOps counts deposits and withdrawals by outcome.
	WalletOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acct_wallet_ops_total",
		Help: "Wallet deposits and withdrawals",
	}, []string{"op", "result"})

	// CashBalance tracks the live wallet balance.
	CashBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acct_cash_balance_usd",
		Help: "Current wallet cash balance in USD",
	})

	// PersistFailures counts state writes that failed and were swallowed.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acct_persist_failures_total",
		Help: "Account state persistence failures",
	})

	// ExternalRefreshes counts snapshots replaced by another process's write.
	ExternalRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acct_external_refreshes_total",
		Help: "Account state reloads triggered by external writers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acct_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acct_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acct_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
