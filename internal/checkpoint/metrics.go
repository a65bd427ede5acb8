package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes checkpoint activity to the ops endpoint.
type Metrics struct {
	created      prometheus.Counter
	restored     prometheus.Counter
	filesWritten prometheus.Counter
	gcManifests  prometheus.Counter
}

// NewMetrics registers the checkpoint collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_checkpoints_created_total",
			Help: "Checkpoints committed.",
		}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_checkpoints_restored_total",
			Help: "Restore operations completed.",
		}),
		filesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_checkpoint_files_written_total",
			Help: "Files materialized by restore.",
		}),
		gcManifests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_checkpoint_gc_manifests_removed_total",
			Help: "Unreachable manifests removed by GC.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.restored, m.filesWritten, m.gcManifests)
	}
	return m
}

func (m *Metrics) checkpointCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) restoreCompleted(files int) {
	if m == nil {
		return
	}
	m.restored.Inc()
	m.filesWritten.Add(float64(files))
}

func (m *Metrics) gcCompleted(manifests int) {
	if m == nil {
		return
	}
	m.gcManifests.Add(float64(manifests))
}
