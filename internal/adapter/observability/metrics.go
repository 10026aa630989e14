package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_claimed_total",
			Help: "Total number of jobs claimed by this worker",
		},
		[]string{"family"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "export_jobs_processing",
			Help: "Number of jobs currently processing on this worker",
		},
		[]string{"family"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"family"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"family", "category"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_retried_total",
			Help: "Total number of jobs reset with backoff",
		},
		[]string{"family", "category"},
	)
	JobsStaleResetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_jobs_stale_reset_total",
			Help: "Total number of stale processing jobs reset by the sweeper",
		},
		[]string{"family"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "export_queue_depth",
			Help: "Count of pending jobs eligible for claim",
		},
		[]string{"family"},
	)

	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "export_render_duration_seconds",
			Help:    "Headless browser render duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"kind"},
	)
	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "export_upload_duration_seconds",
			Help:    "Blob upload duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	ProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "export_process_duration_seconds",
			Help:    "End-to-end job processing duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"family"},
	)
	ArtifactSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "export_artifact_size_bytes",
			Help:    "Size distribution of rendered artifacts",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"kind"},
	)

	RenderPoolInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "export_render_pool_in_use",
			Help: "Browser instances currently rendering",
		},
	)
	RenderPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "export_render_pool_capacity",
			Help: "Configured browser pool cap",
		},
	)
	StorageBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "export_storage_breaker_state",
			Help: "Blob store circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_notifications_total",
			Help: "Notification events published, by type and outcome",
		},
		[]string{"type", "outcome"},
	)
	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "export_retention_deleted_total",
			Help: "Rows and blobs removed by the retention sweep",
		},
		[]string{"entity"},
	)
	OwnerSoftLimitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "export_owner_soft_limit_total",
			Help: "Claims observed above the per-owner soft limits",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsStaleResetTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RenderDuration)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(ProcessDuration)
	prometheus.MustRegister(ArtifactSizeBytes)
	prometheus.MustRegister(RenderPoolInUse)
	prometheus.MustRegister(RenderPoolCapacity)
	prometheus.MustRegister(StorageBreakerState)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(RetentionDeletedTotal)
	prometheus.MustRegister(OwnerSoftLimitTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func ClaimJob(family string) {
	JobsClaimedTotal.WithLabelValues(family).Inc()
	JobsProcessing.WithLabelValues(family).Inc()
}

func CompleteJob(family string) {
	JobsProcessing.WithLabelValues(family).Dec()
	JobsCompletedTotal.WithLabelValues(family).Inc()
}

func FailJob(family, category string) {
	JobsProcessing.WithLabelValues(family).Dec()
	JobsFailedTotal.WithLabelValues(family, category).Inc()
}

func RetryJob(family, category string) {
	JobsProcessing.WithLabelValues(family).Dec()
	JobsRetriedTotal.WithLabelValues(family, category).Inc()
}

func StaleReset(family string, count int) {
	if count > 0 {
		JobsStaleResetTotal.WithLabelValues(family).Add(float64(count))
	}
}

func SetQueueDepth(family string, depth int) {
	QueueDepth.WithLabelValues(family).Set(float64(depth))
}

// ObserveRender records one browser render.
func ObserveRender(kind domain.ExportKind, d time.Duration, size int) {
	RenderDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	ArtifactSizeBytes.WithLabelValues(string(kind)).Observe(float64(size))
}

// SetRenderPool mirrors pool occupancy into the gauges.
func SetRenderPool(s domain.PoolStats) {
	RenderPoolInUse.Set(float64(s.InUse))
	RenderPoolCapacity.Set(float64(s.Capacity))
}

func NotificationSent(eventType string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	NotificationsTotal.WithLabelValues(eventType, outcome).Inc()
}
