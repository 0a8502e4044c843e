package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the graph engine's Prometheus collectors.
type Metrics struct {
	DocumentsIngested    *prometheus.CounterVec
	EntitiesCreated      prometheus.Counter
	EntitiesMerged       prometheus.Counter
	RelationshipsAdded   prometheus.Counter
	RelationshipsDropped *prometheus.CounterVec
	QueriesTotal         *prometheus.CounterVec
	IngestDuration       prometheus.Histogram
	QueryDuration        prometheus.Histogram
	EntityCount          prometheus.Gauge
	RelationshipCount    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests use to avoid clashes.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatgraph",
				Subsystem: "ingest",
				Name:      "documents_total",
				Help:      "Total number of ingestion batches by outcome",
			},
			[]string{"status"},
		),
		EntitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatgraph",
			Subsystem: "merge",
			Name:      "entities_created_total",
			Help:      "Incoming entities appended as new canonical records",
		}),
		EntitiesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatgraph",
			Subsystem: "merge",
			Name:      "entities_merged_total",
			Help:      "Incoming entities folded into an existing record",
		}),
		RelationshipsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threatgraph",
			Subsystem: "reconcile",
			Name:      "relationships_added_total",
			Help:      "Relationships stored after reconciliation",
		}),
		RelationshipsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatgraph",
				Subsystem: "reconcile",
				Name:      "relationships_dropped_total",
				Help:      "Relationships dropped during reconciliation by reason",
			},
			[]string{"reason"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "threatgraph",
				Subsystem: "query",
				Name:      "executed_total",
				Help:      "Total number of queries by outcome",
			},
			[]string{"status"},
		),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threatgraph",
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Ingestion cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "threatgraph",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		EntityCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threatgraph",
			Subsystem: "graph",
			Name:      "entities",
			Help:      "Number of entities in the live graph",
		}),
		RelationshipCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threatgraph",
			Subsystem: "graph",
			Name:      "relationships",
			Help:      "Number of relationships in the live graph",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.DocumentsIngested,
			m.EntitiesCreated,
			m.EntitiesMerged,
			m.RelationshipsAdded,
			m.RelationshipsDropped,
			m.QueriesTotal,
			m.IngestDuration,
			m.QueryDuration,
			m.EntityCount,
			m.RelationshipCount,
		)
	}
	return m
}
