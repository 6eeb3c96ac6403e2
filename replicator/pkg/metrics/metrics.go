package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicator_build_info",
			Help: "Build information of the replicator",
		},
		[]string{"version", "commit", "date"},
	)

	CaptureRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_capture_requests_total",
			Help: "Total number of capture requests submitted to the source store",
		},
		[]string{"mode", "status"},
	)

	CaptureTableFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_capture_table_failures_total",
			Help: "Total number of tables whose capture failed",
		},
		[]string{"mode"},
	)

	WatermarkTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicator_watermark_timestamp_seconds",
			Help: "Unix time of the last persisted incremental watermark per table",
		},
		[]string{"table"},
	)

	TransformFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_transform_files_total",
			Help: "Total number of data files handled by the transformer",
		},
		[]string{"export_type", "status"},
	)

	TransformRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_transform_rows_total",
			Help: "Total number of change records transformed",
		},
		[]string{"active"},
	)

	LoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_loads_total",
			Help: "Total number of warehouse loads",
		},
		[]string{"kind", "status"},
	)

	LoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicator_load_duration_seconds",
			Help:    "Duration of warehouse loads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"kind"},
	)

	LoadRowsStaged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "replicator_load_rows_staged_total",
			Help: "Total number of rows copied into staging tables",
		},
	)

	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_journal_writes_total",
			Help: "Total number of run journal writes",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ObjectEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicator_object_events_total",
			Help: "Total number of object-created notifications by route",
		},
		[]string{"route", "status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
