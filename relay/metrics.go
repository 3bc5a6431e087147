package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors
type Metrics struct {
	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ProtocolErrors   *prometheus.CounterVec
	Events           *prometheus.CounterVec
	UnmatchedReplies prometheus.Counter
	WorkerExits      prometheus.Counter
	FailedPending    *prometheus.CounterVec
	State            prometheus.Gauge
	Pending          prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, pending func() float64) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Operations handled by the relay, by method and result code",
		}, []string{"method", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of requests answered by the worker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "protocol_errors_total",
			Help:      "Worker output lines dropped because they did not match the message contract",
		}, []string{"type"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Worker events, by whether a subscriber received them",
		}, []string{"outcome"}),
		UnmatchedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "unmatched_replies_total",
			Help:      "Responses for request ids that were unknown or already completed",
		}),
		WorkerExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "worker_exits_total",
			Help:      "Worker processes that exited without being stopped",
		}),
		FailedPending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "failed_pending_total",
			Help:      "Outstanding requests failed in bulk, by reason",
		}, []string{"reason"}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "state",
			Help:      "Current lifecycle state (0 uninitialized, 1 starting, 2 ready, 3 disposing, 4 disposed)",
		}),
		Pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcpchannel",
			Subsystem: "relay",
			Name:      "pending_requests",
			Help:      "Requests waiting for a worker reply",
		}, pending),
	}

	if reg != nil {
		reg.MustRegister(
			m.Requests,
			m.RequestDuration,
			m.ProtocolErrors,
			m.Events,
			m.UnmatchedReplies,
			m.WorkerExits,
			m.FailedPending,
			m.State,
			m.Pending,
		)
	}
	return m
}

// observe records the result of one operation
func (m *Metrics) observe(method string, err error) {
	code := "OK"
	if rerr, ok := err.(*Error); ok {
		code = rerr.Code()
	} else if err != nil {
		code = "UNKNOWN"
	}
	m.Requests.WithLabelValues(method, code).Inc()
}
