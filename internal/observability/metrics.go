package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcome labels.
const (
	OutcomeApplied    = "applied"
	OutcomeSuppressed = "suppressed"
	OutcomeUnknown    = "unknown_op"
	OutcomeDangling   = "dangling_handle"
	OutcomeError      = "error"
)

var (
	registerOnce sync.Once

	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Requests executed per relay by outcome.",
		},
		[]string{"requester", "op", "outcome"},
	)
	relayProtocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Malformed messages dropped at dispatch.",
		},
		[]string{"requester"},
	)
	relayHandlesLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayctl",
			Subsystem: "relay",
			Name:      "handles_live",
			Help:      "Live entries in the handle arena.",
		},
	)
	framesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "frame",
			Name:      "completed_total",
			Help:      "Frames fully collected, presented, and flushed.",
		},
	)
	frameFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "frame",
			Name:      "faults_total",
			Help:      "Per-requester frame faults (unresponsive peers).",
		},
		[]string{"requester"},
	)
	frameFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "frame",
			Name:      "flush_duration_seconds",
			Help:      "Buffer flush duration per relay.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"requester"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			relayRequests,
			relayProtocolErrors,
			relayHandlesLive,
			framesCompleted,
			frameFaults,
			frameFlushDuration,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordRelayRequest(requester, op, outcome string) {
	RegisterMetrics()
	relayRequests.WithLabelValues(requester, op, outcome).Inc()
}

func RecordProtocolError(requester string) {
	RegisterMetrics()
	relayProtocolErrors.WithLabelValues(requester).Inc()
}

func SetLiveHandles(n int) {
	RegisterMetrics()
	relayHandlesLive.Set(float64(n))
}

func RecordFrameCompleted() {
	RegisterMetrics()
	framesCompleted.Inc()
}

func RecordFrameFault(requester string) {
	RegisterMetrics()
	frameFaults.WithLabelValues(requester).Inc()
}

func RecordFlush(requester string, duration time.Duration) {
	RegisterMetrics()
	frameFlushDuration.WithLabelValues(requester).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
