package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// REM query metrics
	QueriesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_rem_queries_total",
			Help: "Total number of REM queries executed",
		},
		[]string{"kind", "status"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8fs_rem_query_duration_seconds",
			Help:    "REM query execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Storage metrics
	UpsertRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_storage_upsert_rows_total",
			Help: "Total rows upserted per table",
		},
		[]string{"table"},
	)

	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_vector_searches_total",
			Help: "Total vector similarity searches",
		},
		[]string{"table", "status"},
	)

	KVOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_kv_ops_total",
			Help: "Total KV operations by op and status",
		},
		[]string{"op", "status"},
	)

	// Reverse name index metrics
	NameIndexLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_name_index_lookups_total",
			Help: "Reverse name index lookups by outcome (kv_hit, sql_fallback, miss)",
		},
		[]string{"outcome"},
	)

	NameIndexRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p8fs_name_index_repairs_total",
			Help: "Stale or missing KV entries repaired from SQL",
		},
	)

	// Embedding metrics
	EmbeddingCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_embedding_calls_total",
			Help: "Embedding generation calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p8fs_embedding_duration_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"provider"},
	)

	// Dreaming worker metrics
	DreamingJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_dreaming_jobs_total",
			Help: "Dreaming job transitions by mode and status",
		},
		[]string{"mode", "status"},
	)

	AffinityEdgesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p8fs_affinity_edges_written_total",
			Help: "Graph edges added or replaced by the affinity builder",
		},
	)

	// Session metrics
	SessionsCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p8fs_session_messages_compressed_total",
			Help: "Session messages compressed into KV sidecar entries",
		},
	)

	SessionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p8fs_session_cache_size",
			Help: "Number of sessions held in the local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p8fs_session_cache_evictions_total",
			Help: "Sessions evicted from the local cache",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p8fs_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p8fs_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by outcome",
		},
		[]string{"name", "outcome"},
	)
)
