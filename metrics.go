package batchimport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	unitsProcessed  *prometheus.CounterVec
	emptyUnits      *prometheus.CounterVec
	recordsRead     *prometheus.CounterVec
	recordsAccepted *prometheus.CounterVec
	batchesSent     *prometheus.CounterVec
	workers         *prometheus.GaugeVec

	batchesAllocated prometheus.Counter
	batchesReused    prometheus.Counter
}

// newMetrics creates the import metrics, registering them with reg when it
// is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		unitsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "units_processed_total",
			Help:      "Id units processed by a step",
		}, []string{"step"}),
		emptyUnits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "empty_units_total",
			Help:      "Id units that produced no batch",
		}, []string{"step"}),
		recordsRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "records_read_total",
			Help:      "Records read from the store",
		}, []string{"step"}),
		recordsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "records_accepted_total",
			Help:      "Records counted into a batch",
		}, []string{"step"}),
		batchesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "batches_sent_total",
			Help:      "Batches handed downstream",
		}, []string{"step"}),
		workers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "batchimport",
			Name:      "step_workers",
			Help:      "Workers of a running step",
		}, []string{"step"}),
		batchesAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "batches_allocated_total",
			Help:      "Batches built because none was pooled",
		}),
		batchesReused: f.NewCounter(prometheus.CounterOpts{
			Namespace: "batchimport",
			Name:      "batches_reused_total",
			Help:      "Batches served from the pool",
		}),
	}
}

type stepMetrics struct {
	unitsProcessed  prometheus.Counter
	emptyUnits      prometheus.Counter
	recordsRead     prometheus.Counter
	recordsAccepted prometheus.Counter
	batchesSent     prometheus.Counter
	workers         prometheus.Gauge
}

func (m *metrics) forStep(name string) *stepMetrics {
	return &stepMetrics{
		unitsProcessed:  m.unitsProcessed.WithLabelValues(name),
		emptyUnits:      m.emptyUnits.WithLabelValues(name),
		recordsRead:     m.recordsRead.WithLabelValues(name),
		recordsAccepted: m.recordsAccepted.WithLabelValues(name),
		batchesSent:     m.batchesSent.WithLabelValues(name),
		workers:         m.workers.WithLabelValues(name),
	}
}
