package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pairctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairctl",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session status transitions.",
		},
		[]string{"from", "to"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pairctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions held by the registry.",
		},
	)
	pairingResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairctl",
			Subsystem: "pairing",
			Name:      "results_total",
			Help:      "Pairing phase results by status.",
		},
		[]string{"phase", "status"},
	)
	workerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pairctl",
			Subsystem: "worker",
			Name:      "attempts_total",
			Help:      "Supervised worker attempts by exit code and timeout.",
		},
		[]string{"exit_code", "timed_out"},
	)
	workerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pairctl",
			Subsystem: "worker",
			Name:      "attempt_duration_seconds",
			Help:      "Supervised worker wall-clock duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 240, 480},
		},
		[]string{"timed_out"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			sessionsActive,
			pairingResults,
			workerAttempts,
			workerDuration,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(from, to string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from, to).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

func RecordPairingResult(phase, status string) {
	RegisterMetrics()
	pairingResults.WithLabelValues(phase, status).Inc()
}

func RecordWorkerAttempt(exitCode int, timedOut bool, duration time.Duration) {
	RegisterMetrics()
	timedOutLabel := strconv.FormatBool(timedOut)
	workerAttempts.WithLabelValues(strconv.Itoa(exitCode), timedOutLabel).Inc()
	workerDuration.WithLabelValues(timedOutLabel).Observe(duration.Seconds())
}
