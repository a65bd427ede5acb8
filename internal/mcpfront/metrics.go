package mcpfront

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"warden/internal/faults"
)

// Metrics counts dispatcher traffic. A nil *Metrics disables collection.
type Metrics struct {
	ops       *prometheus.CounterVec
	opSeconds *prometheus.HistogramVec
	sent      prometheus.Counter
	dropped   prometheus.Counter
}

// NewMetrics registers the frontend collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_ops_total",
			Help: "Operations dispatched, by operation and outcome.",
		}, []string{"op", "outcome"}),
		opSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_op_duration_seconds",
			Help:    "Operation latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"op"}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_notifications_total",
			Help: "Stream records delivered to the MCP peer.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_notifications_dropped_total",
			Help: "Stream records drained without delivery after a peer failure.",
		}),
	}
	reg.MustRegister(m.ops, m.opSeconds, m.sent, m.dropped)
	return m
}

func (m *Metrics) opDone(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = faults.KindOf(err).String()
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.opSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) notificationSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) notificationDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
