package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RAG query metrics
	RAGQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_rag_queries_total",
			Help: "Total number of RAG queries",
		},
		[]string{"mode", "status"},
	)

	RAGQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_rag_query_duration_seconds",
			Help:    "RAG query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RetrievalCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_retrieval_candidates",
			Help:    "Number of candidates per retrieval stage",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"stage"},
	)

	// SQL chat metrics
	SQLQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_sql_queries_total",
			Help: "Total number of NL to SQL queries",
		},
		[]string{"intent", "status"},
	)

	SQLStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_sql_stage_duration_seconds",
			Help:    "Per-stage duration of the SQL pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	SQLValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_sql_validation_rejections_total",
			Help: "Total number of SQL validation rejections",
		},
		[]string{"layer", "reason"},
	)

	SQLSemanticRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_sql_semantic_retries_total",
			Help: "Total number of semantic inspection retries",
		},
	)

	SQLQueryConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkwell_sql_query_confidence",
			Help:    "Confidence score distribution for generated SQL",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_sessions_created_total",
			Help: "Total number of SQL chat sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkwell_sessions_active",
			Help: "Number of active SQL chat sessions",
		},
	)

	SessionEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_session_evictions_total",
			Help: "Total number of sessions evicted",
		},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"table", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	ChunksInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_chunks_inserted_total",
			Help: "Total number of chunks inserted",
		},
	)

	ChunksDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_chunks_deduplicated_total",
			Help: "Total number of chunk inserts skipped by the dedup index",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_llm_requests_total",
			Help: "Total number of LLM completion requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_llm_latency_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkwell_llm_tokens_used",
			Help:    "Number of tokens used per LLM call",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	LLMCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inkwell_llm_cost_usd",
			Help:    "Cost in USD per LLM call",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	// Reranker metrics
	RerankerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_reranker_calls_total",
			Help: "Total number of reranker scoring calls",
		},
		[]string{"model", "status"},
	)

	RerankerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_reranker_latency_seconds",
			Help:    "Reranker scoring latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Schema cache metrics
	SchemaCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_schema_cache_hits_total",
			Help: "Total number of schema cache hits",
		},
	)

	SchemaCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkwell_schema_cache_misses_total",
			Help: "Total number of schema cache misses",
		},
	)

	SchemaIntrospections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_schema_introspections_total",
			Help: "Total number of full schema introspections",
		},
		[]string{"dialect", "status"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Telemetry writer metrics
	TelemetryWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_telemetry_writes_total",
			Help: "Total number of telemetry records written",
		},
		[]string{"sink", "status"},
	)

	TelemetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkwell_telemetry_queue_depth",
			Help: "Current depth of the async telemetry write queue",
		},
	)
)

// RecordVectorSearchMetrics records one vector search against a table.
func RecordVectorSearchMetrics(table, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(table, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(table).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records one embedding service round trip.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordLLMMetrics records one LLM completion call.
func RecordLLMMetrics(provider, model, status string, durationSeconds float64, tokens int, costUSD float64) {
	LLMRequests.WithLabelValues(provider, model, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(provider, model).Observe(durationSeconds)
	}
	if tokens > 0 {
		LLMTokensUsed.Observe(float64(tokens))
	}
	if costUSD > 0 {
		LLMCostUSD.Observe(costUSD)
	}
}

// RecordSQLStage records the duration of one pipeline stage.
func RecordSQLStage(stage string, durationSeconds float64) {
	SQLStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordRerankerMetrics records one reranker scoring call.
func RecordRerankerMetrics(model, status string, durationSeconds float64) {
	RerankerCalls.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		RerankerLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
