package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardline/internal/domain"
	"guardline/internal/events"
)

const namespace = "guardline"

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	writes     *prometheus.CounterVec
	stepValues *prometheus.GaugeVec
}

// New registers write outcome collectors and, when stats is set, the journal
// counters read from it at scrape time.
func New(stats func() events.Stats) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_audit_entries_total",
			Help:      "Audit entries recorded by the guarded write path.",
		}, []string{"channel", "operation", "outcome"}),
		stepValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_last_executed_value",
			Help:      "Last value written to a channel by an executed step.",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.writes, m.stepValues, collectors.NewGoCollector())
	if stats != nil {
		reg.MustRegister(journalCollectors(stats)...)
	}
	return m
}

func journalCollectors(stats func() events.Stats) []prometheus.Collector {
	counter := func(name, help string, v func(events.Stats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	return []prometheus.Collector{
		counter("events_submitted_total", "Events offered to the journal queue.", func(s events.Stats) int64 { return s.Submitted }),
		counter("events_written_total", "Events persisted to segment files.", func(s events.Stats) int64 { return s.Written }),
		counter("events_dropped_total", "Events dropped because the queue was full or closed.", func(s events.Stats) int64 { return s.Dropped }),
		counter("write_failures_total", "Segment storage failures.", func(s events.Stats) int64 { return s.Failed }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "queue_depth",
			Help:      "Events waiting for the journal writer.",
		}, func() float64 { return float64(stats().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "segment_index",
			Help:      "Index of the active segment file.",
		}, func() float64 { return float64(stats().SegmentIndex) }),
	}
}

// ObserveAudit counts one audit entry. It is safe for concurrent use.
func (m *Metrics) ObserveAudit(e domain.AuditEntry) {
	m.writes.WithLabelValues(e.Channel, e.Operation, e.Outcome).Inc()
	if e.Outcome == domain.OutcomeExecuted && e.RequestedValue != nil {
		m.stepValues.WithLabelValues(e.Channel).Set(*e.RequestedValue)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
