package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "panopticon"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "scans_total",
			Help:      "Scans processed by the access controller, by outcome.",
		},
		[]string{"action"},
	)
	authFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "auth_failures_total",
			Help:      "Rejected device sessions, by reason.",
		},
		[]string{"reason"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Authenticated device sessions.",
		},
	)
	lockActuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "actuations_total",
			Help:      "Smart-lock unlock requests, by outcome.",
		},
		[]string{"outcome"},
	)
	lockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "actuation_duration_seconds",
			Help:      "Smart-lock unlock call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			scans, authFailures, sessionsActive,
			lockActuations, lockDuration, eventsDropped,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordScan(action string) {
	RegisterMetrics()
	scans.WithLabelValues(action).Inc()
}

func RecordAuthFailure(reason string) {
	RegisterMetrics()
	authFailures.WithLabelValues(reason).Inc()
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

func RecordLockActuation(ok bool, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	lockActuations.WithLabelValues(outcome).Inc()
	lockDuration.Observe(duration.Seconds())
}

// RecordLockDropped counts unlock requests rejected because the queue was full.
func RecordLockDropped() {
	RegisterMetrics()
	lockActuations.WithLabelValues("dropped").Inc()
}

func RecordEventDropped() {
	RegisterMetrics()
	eventsDropped.Inc()
}
