package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	// AskTotal counts retrieval requests by terminal outcome: answered,
	// greeting, empty_index, too_short, degraded, rejected.
	AskTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "webwhisper_ask_total",
			Help: "Total retrieval requests by outcome",
		},
		[]string{"outcome"},
	)

	SearchDuration = promauto.With(registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webwhisper_search_duration_seconds",
			Help:    "Vector index search latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	IngestedChunks = promauto.With(registerer).NewCounter(
		prometheus.CounterOpts{
			Name: "webwhisper_ingested_chunks_total",
			Help: "Chunks written to the vector index",
		},
	)

	IngestedSources = promauto.With(registerer).NewCounter(
		prometheus.CounterOpts{
			Name: "webwhisper_ingested_sources_total",
			Help: "Source pages ingested",
		},
	)

	EmbeddingCache = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "webwhisper_embedding_cache_total",
			Help: "Embedding cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)
)

// Handler serves the private registry; wired onto /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
