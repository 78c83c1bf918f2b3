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
			Namespace: "buildrmi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildrmi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	rmiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildrmi",
			Subsystem: "rmi",
			Name:      "calls_total",
			Help:      "Remote method calls by side and outcome.",
		},
		[]string{"side", "interface", "method", "outcome"},
	)
	rmiCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildrmi",
			Subsystem: "rmi",
			Name:      "call_duration_seconds",
			Help:      "Remote method call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"side", "interface", "method"},
	)
	rmiExports = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildrmi",
			Subsystem: "rmi",
			Name:      "exports",
			Help:      "Objects currently exported by reference across all connections.",
		},
	)
	rmiReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildrmi",
			Subsystem: "rmi",
			Name:      "releases_total",
			Help:      "Release notices by direction and result.",
		},
		[]string{"direction", "result"},
	)
	rmiConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildrmi",
			Subsystem: "rmi",
			Name:      "connections",
			Help:      "Open rmi connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			rmiCalls, rmiCallDuration, rmiExports, rmiReleases, rmiConnections,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordCall counts one call; side is "client" for outbound and "server" for inbound.
func RecordCall(side, iface, method, outcome string, duration time.Duration) {
	RegisterMetrics()
	rmiCalls.WithLabelValues(side, iface, method, outcome).Inc()
	if duration > 0 {
		rmiCallDuration.WithLabelValues(side, iface, method).Observe(duration.Seconds())
	}
}

func AddExports(delta int) {
	RegisterMetrics()
	rmiExports.Add(float64(delta))
}

// RecordRelease counts release notices; direction is "sent" or "received".
func RecordRelease(direction string, applied bool) {
	RegisterMetrics()
	result := "applied"
	if !applied {
		result = "stale"
	}
	rmiReleases.WithLabelValues(direction, result).Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	rmiConnections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	rmiConnections.Dec()
}
