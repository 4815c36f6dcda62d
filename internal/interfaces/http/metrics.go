package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gollem_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	bidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gollem_bids_total",
		Help: "Submitted bids by outcome.",
	}, []string{"outcome"})

	streamChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gollem_stream_chunks_total",
		Help: "Chunks relayed to clients across all streams.",
	})

	providerUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gollem_provider_updates_total",
		Help: "Provider heartbeat upserts accepted into the order book.",
	})
)
