// Package metrics exposes the worker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SirClappington/stockq/internal/domain"
)

var states = []domain.State{domain.Idle, domain.RunningInteractive, domain.RunningBatchRow, domain.PreemptingBatch}

type Metrics struct {
	reg *prometheus.Registry

	Entries       *prometheus.CounterVec
	Preemptions   prometheus.Counter
	Cancellations prometheus.Counter
	BatchFailures prometheus.Counter
	Batches       prometheus.Counter
	QueueDepth    prometheus.Gauge
	State         *prometheus.GaugeVec
	EntrySeconds  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockq_entries_total",
			Help: "Entries processed, by priority and outcome.",
		}, []string{"priority", "outcome"}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockq_batch_preemptions_total",
			Help: "Batches paused for interactive work.",
		}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockq_batch_cancellations_total",
			Help: "Batches aborted by an operator.",
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockq_batch_failures_total",
			Help: "Batches abandoned on a read or suspend error.",
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockq_batches_completed_total",
			Help: "Batches run to completion.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockq_queue_depth",
			Help: "Items waiting in the priority queue.",
		}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stockq_worker_state",
			Help: "1 for the worker's current state, 0 otherwise.",
		}, []string{"state"}),
		EntrySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stockq_entry_duration_seconds",
			Help:    "Time spent processing one entry.",
			Buckets: prometheus.DefBuckets,
		}, []string{"priority"}),
	}
	m.reg.MustRegister(
		m.Entries, m.Preemptions, m.Cancellations, m.BatchFailures, m.Batches,
		m.QueueDepth, m.State, m.EntrySeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(domain.Idle)
	return m
}

// SetState marks s as the only active state.
func (m *Metrics) SetState(s domain.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(string(st)).Set(v)
	}
}

// Entry counts one processed entry.
func (m *Metrics) Entry(p domain.Priority, ok bool, seconds float64) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	m.Entries.WithLabelValues(p.String(), outcome).Inc()
	m.EntrySeconds.WithLabelValues(p.String()).Observe(seconds)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
