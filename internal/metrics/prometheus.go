package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_gateway_query_duration_seconds",
			Help:    "Chat query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_gateway_query_total",
			Help: "Total number of chat queries processed",
		},
		[]string{"status"},
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kb_gateway_ingest_total",
			Help: "Total number of source ingestion attempts",
		},
		[]string{"status"},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kb_gateway_ingest_duration_seconds",
			Help:    "Per-source ingestion duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_gateway_chunks_indexed_total",
			Help: "Total number of chunks upserted into the vector store",
		},
	)

	CollectionsCleared = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kb_gateway_collections_cleared_total",
			Help: "Total number of knowledge bases cleared",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		QueryDuration,
		QueryTotal,
		IngestTotal,
		IngestDuration,
		ChunksIndexed,
		CollectionsCleared,
	)
}

// Handler exposes the Prometheus scrape endpoint inside the fiber app.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
