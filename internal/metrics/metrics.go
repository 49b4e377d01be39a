// Package metrics provides Prometheus instrumentation for the chip ledger.
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
	// LedgerOpsTotal counts ledger operations by op and result
	// ("ok" or the rejection reason).
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_ops_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	// OpLatency tracks how long ledger operations take, adapter calls included.
	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chipledger_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// WagersTotal counts settled wagers by outcome.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_wagers_total",
		Help: "Settled wagers by outcome",
	}, []string{"outcome"})

	// ChipsCredited is the cumulative chips added to balances, by record kind.
	ChipsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_chips_credited_total",
		Help: "Chips credited to balances",
	}, []string{"kind"})

	// ChipsDebited is the cumulative chips removed from balances, by record kind.
	ChipsDebited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_chips_debited_total",
		Help: "Chips debited from balances",
	}, []string{"kind"})

	// DepositProofs counts deposit submissions by resulting mode.
	DepositProofs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_deposit_proofs_total",
		Help: "Deposit submissions by outcome mode",
	}, []string{"mode"})

	// PayoutsTotal counts payout attempts by result.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_payouts_total",
		Help: "Payout attempts by result",
	}, []string{"result"})

	// ReconcileDrift counts reconciliations where replay disagreed with the balance.
	ReconcileDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chipledger_reconcile_drift_total",
		Help: "Reconciliations that found balance drift",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chipledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chipledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chipledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// ObserveOp records one ledger operation's latency and result.
func ObserveOp(op string, start time.Time, result string) {
	OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	LedgerOpsTotal.WithLabelValues(op, result).Inc()
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

		// Route pattern keeps label cardinality bounded.
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes through so WebSocket upgrades work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
