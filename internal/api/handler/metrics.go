package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	appendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditledger_appends_total",
		Help: "Total entries committed across all chains.",
	})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auditledger_append_conflicts_total",
		Help: "Total append attempts that lost the chain head race.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	integrityBreaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_integrity_breaks_total",
		Help: "Total integrity breaks found by verification, by kind.",
	}, []string{"kind"})

	auditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_audit_runs_total",
		Help: "Total background audit sweeps by result.",
	}, []string{"result"})

	brokenChains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_broken_chains",
		Help: "Chains that failed their most recent audit.",
	})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_alert_deliveries_total",
		Help: "Total operator alert deliveries by success status.",
	}, []string{"status"})

	fanoutPendingTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_fanout_pending",
		Help: "Fan-out legs waiting for reconciliation.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerObserver returns ledger callbacks that feed the engine counters.
func LedgerObserver() ledger.Observer {
	return ledger.Observer{
		OnAppend:   func(string) { appendsTotal.Inc() },
		OnConflict: func(string) { conflictsTotal.Inc() },
		OnVerify:   RecordVerification,
	}
}

// RecordVerification records the outcome of one chain verification.
func RecordVerification(r *ledger.Report) {
	if r.Valid {
		verificationsTotal.WithLabelValues("valid").Inc()
		return
	}
	verificationsTotal.WithLabelValues("invalid").Inc()
	if r.BreakKind != nil {
		integrityBreaksTotal.WithLabelValues(string(*r.BreakKind)).Inc()
	}
}

// RecordAuditRun records a background audit sweep and the number of chains
// it found broken. A sweep that could not complete is recorded as "error".
func RecordAuditRun(broken int, err error) {
	switch {
	case err != nil:
		auditRunsTotal.WithLabelValues("error").Inc()
		return
	case broken > 0:
		auditRunsTotal.WithLabelValues("broken").Inc()
	default:
		auditRunsTotal.WithLabelValues("intact").Inc()
	}
	brokenChains.Set(float64(broken))
}

// RecordAlertDelivery records an operator alert delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// SetFanoutPending sets the reconciliation backlog gauge.
func SetFanoutPending(n int) {
	fanoutPendingTotal.Set(float64(n))
}
