package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_admin_query_duration_seconds",
			Help:    "Query processing duration per pipeline stage",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_query_total",
			Help: "Total queries processed, by route and status",
		},
		[]string{"route", "status"},
	)

	IntentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_intent_total",
			Help: "Classified query intents",
		},
		[]string{"intent"},
	)

	IntentConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_admin_intent_confidence",
			Help:    "Intent classification confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	SchemaRegenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_schema_regenerations_total",
			Help: "Schema regeneration runs, by outcome",
		},
		[]string{"status"},
	)

	BlockedQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_admin_blocked_queries_total",
			Help: "Queries answered with a blocked/retry response",
		},
	)

	DiscoveredFields = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_admin_discovered_fields",
			Help: "Fields in the current discovered schema, per namespace",
		},
		[]string{"namespace"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	AccuracyScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_admin_accuracy_score",
			Help: "Latest accuracy test suite score per schema",
		},
		[]string{"schema_id"},
	)

	DiscrepancyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_discrepancy_total",
			Help: "Accuracy test discrepancies by type",
		},
		[]string{"type"},
	)

	OptimizationActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_admin_optimization_actions_total",
			Help: "Optimization actions, by action type and outcome",
		},
		[]string{"action_type", "status"},
	)

	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_admin_documents_processed_total",
			Help: "Total document events consumed",
		},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(IntentTotal)
	prometheus.MustRegister(IntentConfidence)
	prometheus.MustRegister(SchemaRegenerations)
	prometheus.MustRegister(BlockedQueries)
	prometheus.MustRegister(DiscoveredFields)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(AccuracyScore)
	prometheus.MustRegister(DiscrepancyTotal)
	prometheus.MustRegister(OptimizationActions)
	prometheus.MustRegister(DocumentsProcessed)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
