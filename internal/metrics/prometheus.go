package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ragquery/backend/pkg/circuitbreaker"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragquery_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"query_type"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"query_type", "status"},
	)

	ThresholdAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragquery_threshold_attempts",
			Help:    "Number of similarity thresholds tried per query",
			Buckets: []float64{1, 2, 3},
		},
	)

	ChosenThreshold = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragquery_chosen_threshold",
			Help:    "Similarity threshold that produced the retrieval result",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.7, 0.9},
		},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragquery_vector_results_count",
			Help:    "Number of vector results per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	StreamFinalizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_stream_finalizations_total",
			Help: "Streaming queries reconciled, by final status",
		},
		[]string{"status"},
	)

	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_persistence_failures_total",
			Help: "Query store writes that failed",
		},
		[]string{"operation"},
	)

	UserRating = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragquery_user_rating",
			Help:    "User feedback ratings",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragquery_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragquery_documents_processed_total",
			Help: "Total documents processed",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			ThresholdAttempts,
			ChosenThreshold,
			VectorResultsCount,
			LLMTokensUsed,
			LLMCost,
			CacheHits,
			CacheMisses,
			StreamFinalizations,
			PersistenceFailures,
			UserRating,
			BreakerState,
			DocumentsProcessed,
		)
	})
}

func RecordBreakerState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
