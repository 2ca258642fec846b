package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync metrics
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_refresh_total",
			Help: "Refresh cycles by source and outcome",
		},
		[]string{"source", "outcome"}, // outcome: applied, noop, failed, deferred
	)

	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wppsync_apply_duration_seconds",
			Help:    "Time spent applying a plan on the UI thread",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	ViewItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wppsync_view_items",
			Help: "Real items held in the in-memory view",
		},
		[]string{"collection"},
	)

	// Media metrics
	MediaRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_media_requests_total",
			Help: "Media lookups by result",
		},
		[]string{"result"}, // hit, miss, download, error
	)

	MediaBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wppsync_media_bytes",
			Help: "Bytes held by the media cache",
		},
	)

	MediaEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wppsync_media_evicted_total",
			Help: "Media entries removed by eviction",
		},
	)

	// Send metrics
	SendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wppsync_send_total",
			Help: "Optimistic sends by outcome",
		},
		[]string{"outcome"}, // confirmed, failed, retried
	)

	ReceiptsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wppsync_receipts_flushed_total",
			Help: "Receipt ids acknowledged to the backend",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
