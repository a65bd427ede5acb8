package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes store activity to the ops endpoint.
type Metrics struct {
	puts        prometheus.Counter
	putDedups   prometheus.Counter
	gets        prometheus.Counter
	putBytes    prometheus.Counter
	storedBytes prometheus.Gauge
	storedBlobs prometheus.Gauge
	gcRuns      prometheus.Counter
	gcRemoved   prometheus.Counter
	gcFreed     prometheus.Counter
	gcDuration  prometheus.Histogram
}

// NewMetrics registers the store collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_puts_total",
			Help: "Blobs committed to the content store.",
		}),
		putDedups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_put_dedups_total",
			Help: "Puts skipped because the blob already existed.",
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_gets_total",
			Help: "Blob reads served.",
		}),
		putBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_put_bytes_total",
			Help: "Uncompressed bytes written through Put.",
		}),
		storedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_store_bytes",
			Help: "Compressed bytes on disk.",
		}),
		storedBlobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_store_blobs",
			Help: "Blobs on disk.",
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_gc_runs_total",
			Help: "Garbage collections completed.",
		}),
		gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_gc_blobs_removed_total",
			Help: "Blobs removed by the sweep phase.",
		}),
		gcFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_store_gc_bytes_freed_total",
			Help: "Compressed bytes freed by the sweep phase.",
		}),
		gcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_store_gc_duration_seconds",
			Help:    "Wall time of one mark and sweep.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.puts, m.putDedups, m.gets, m.putBytes,
			m.storedBytes, m.storedBlobs, m.gcRuns, m.gcRemoved, m.gcFreed, m.gcDuration)
	}
	return m
}

func (m *Metrics) setUsage(blobs int, bytes int64) {
	m.storedBlobs.Set(float64(blobs))
	m.storedBytes.Set(float64(bytes))
}

func (m *Metrics) putCommitted(uncompressed, compressed int64) {
	m.puts.Inc()
	m.putBytes.Add(float64(uncompressed))
	m.storedBlobs.Inc()
	m.storedBytes.Add(float64(compressed))
}

func (m *Metrics) putDedup() {
	m.putDedups.Inc()
}

func (m *Metrics) get() {
	m.gets.Inc()
}

func (m *Metrics) gcCompleted(r GCResult, took time.Duration) {
	m.gcRuns.Inc()
	m.gcDuration.Observe(took.Seconds())
	if r.DryRun {
		return
	}
	m.gcRemoved.Add(float64(r.BlobsRemoved))
	m.gcFreed.Add(float64(r.BytesFreed))
	m.storedBlobs.Sub(float64(r.BlobsRemoved))
	m.storedBytes.Sub(float64(r.BytesFreed))
}
