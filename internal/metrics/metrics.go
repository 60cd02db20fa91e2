// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_jobs_processed_total",
			Help: "Jobs taken off a queue, by outcome (success, retry, dead)",
		},
		[]string{"queue", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedsync_job_duration_seconds",
			Help:    "Handler execution time",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"queue"},
	)

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_jobs_enqueued_total",
			Help: "Jobs pushed to a queue, by result (enqueued, duplicate)",
		},
		[]string{"queue", "result"},
	)

	FeedSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_feed_syncs_total",
			Help: "Single-feed sync attempts by resulting feed status",
		},
		[]string{"status"},
	)

	ArticlesInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_articles_inserted_total",
			Help: "Articles created by the sync engine",
		},
	)

	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_extractions_total",
			Help: "Readable-content extraction attempts by result (ok, empty, error)",
		},
		[]string{"result"},
	)

	ArticlesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_articles_archived_total",
			Help: "Existing articles archived by the sweep",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
