package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write-path metrics
	NodesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_nodes_written_total",
			Help: "Total number of node writes",
		},
	)

	NodesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_nodes_deleted_total",
			Help: "Total number of node tombstones",
		},
	)

	EdgesLinked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_edges_linked_total",
			Help: "Total number of edges created",
		},
	)

	BatchIngests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_batch_ingests_total",
			Help: "Total number of batch ingest operations",
		},
	)

	WriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tessera_write_duration_seconds",
			Help:    "Single-node write duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query-path metrics
	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tessera_query_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QuerySteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_query_steps_total",
			Help: "Total pipeline steps executed by index used",
		},
		[]string{"index"},
	)

	HNSWSearches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_hnsw_searches_total",
			Help: "Total HNSW similarity searches",
		},
	)

	// Storage metrics
	ArenaBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_arena_bytes",
			Help: "Mapped bytes per arena",
		},
		[]string{"arena"},
	)

	ArenaCommitted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_arena_committed",
			Help: "Committed record count (or byte offset for blobs) per arena",
		},
		[]string{"arena"},
	)

	CollectionNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_collection_nodes",
			Help: "Live node count per collection hash",
		},
		[]string{"collection"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tessera_flush_duration_seconds",
			Help:    "Full engine flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WAL metrics
	WALAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tessera_wal_appends_total",
			Help: "Total WAL entries appended",
		},
	)

	WALBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_wal_bytes",
			Help: "Current WAL size in bytes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesWritten,
		NodesDeleted,
		EdgesLinked,
		BatchIngests,
		WriteDuration,
		QueryDuration,
		QuerySteps,
		HNSWSearches,
		ArenaBytes,
		ArenaCommitted,
		CollectionNodes,
		FlushDuration,
		WALAppends,
		WALBytes,
	)
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func StartMetricsServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}

// Timer is a helper for timing operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer that will record to the given observer
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since the timer was created
func (t *Timer) ObserveDuration() {
	t.observer.Observe(time.Since(t.start).Seconds())
}
