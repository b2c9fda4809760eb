// Package metrics provides Prometheus instrumentation for the Paylock core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paylock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts escrow transactions by terminal status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "transactions_total",
			Help:      "Total escrow transactions by status.",
		},
		[]string{"status"},
	)

	// ReservationsFrozenTotal counts ledger freeze operations.
	ReservationsFrozenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Name:      "reservations_frozen_total",
		Help:      "Total balance reservations frozen.",
	})

	// ReservationsReleasedTotal counts ledger release operations.
	ReservationsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Name:      "reservations_released_total",
		Help:      "Total balance reservations released.",
	})

	// BridgesTotal counts bridge transfers by outcome.
	BridgesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "bridges_total",
			Help:      "Total bridge transfers by outcome.",
		},
		[]string{"outcome"},
	)

	// DisputesTotal counts disputes by resolution.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "disputes_total",
			Help:      "Total disputes by resolution.",
		},
		[]string{"resolution"},
	)

	// MonitorDeadlinesFiredTotal counts watchdog deadline fires by kind.
	MonitorDeadlinesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "monitor_deadlines_fired_total",
			Help:      "Total escrow watchdog deadlines fired by kind.",
		},
		[]string{"kind"},
	)

	// ChainRPCTotal counts chain RPC calls by chain and result.
	ChainRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "chain_rpc_total",
			Help:      "Total chain RPC calls by chain ID and result.",
		},
		[]string{"chain", "result"},
	)

	// CompensationFailuresTotal counts compensating releases that failed
	// and require manual reconciliation.
	CompensationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Name:      "compensation_failures_total",
		Help:      "Total compensating releases that failed.",
	})

	// ActiveEventClients tracks connected event-stream clients.
	ActiveEventClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock",
		Name:      "active_event_clients",
		Help:      "Number of currently connected event-stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		ReservationsFrozenTotal,
		ReservationsReleasedTotal,
		BridgesTotal,
		DisputesTotal,
		MonitorDeadlinesFiredTotal,
		ChainRPCTotal,
		CompensationFailuresTotal,
		ActiveEventClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
