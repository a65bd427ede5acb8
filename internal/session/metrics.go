package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks supervisor activity. All methods tolerate a nil receiver.
type Metrics struct {
	active   prometheus.Gauge
	started  prometheus.Counter
	ended    *prometheus.CounterVec
	records  prometheus.Counter
	bytesOut prometheus.Counter
	bytesIn  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sessions_active",
			Help: "Sessions that have not reached a terminal state.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_sessions_started_total",
			Help: "Sessions that reached Running.",
		}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sessions_ended_total",
			Help: "Sessions by terminal state.",
		}, []string{"state"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_session_records_total",
			Help: "Stream records forwarded to the frontend.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_session_output_bytes_total",
			Help: "Payload bytes read from child stdout.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_session_input_bytes_total",
			Help: "Bytes written to child stdin.",
		}),
	}
	reg.MustRegister(m.active, m.started, m.ended, m.records, m.bytesOut, m.bytesIn)
	return m
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) sessionEnded(state State) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.ended.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) recordForwarded(payloadLen int) {
	if m == nil {
		return
	}
	m.records.Inc()
	m.bytesOut.Add(float64(payloadLen))
}

func (m *Metrics) bytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}
