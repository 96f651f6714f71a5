// Package metrics provides Prometheus metrics for the projectd server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projectd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Registry metrics
	projectsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projectd_projects_active",
			Help: "Number of active projects in the registry",
		},
	)

	registryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectd_registry_operations_total",
			Help: "Total registry operations by outcome",
		},
		[]string{"op", "result"},
	)

	treeNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "projectd_tree_nodes",
			Help: "Number of files/directories in a project's tree",
		},
		[]string{"project"},
	)

	loadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "projectd_load_duration_seconds",
			Help:    "Time to scan the projects root and load every project",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projectd_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectd_storage_operations_total",
			Help: "Total storage operations",
		},
		[]string{"operation", "status"},
	)

	moveFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "projectd_move_fallbacks_total",
			Help: "Moves that fell back to copy+delete after a cross-device rename",
		},
	)

	mirrorOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectd_mirror_operations_total",
			Help: "Total metadata mirror operations",
		},
		[]string{"operation", "status"},
	)

	// Notifier metrics
	notifierSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "projectd_notifier_subscribers",
			Help: "Number of active change-notification subscribers",
		},
	)

	notifierEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectd_notifier_events_total",
			Help: "Total change notifications published",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetProjectsActive sets the number of active projects.
func SetProjectsActive(count int) {
	projectsActive.Set(float64(count))
}

// RecordRegistryOperation records the outcome of a registry operation.
func RecordRegistryOperation(op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	registryOperationsTotal.WithLabelValues(op, result).Inc()
}

// SetTreeNodes sets the node count of a project's tree.
func SetTreeNodes(project string, count int) {
	treeNodes.WithLabelValues(project).Set(float64(count))
}

// ForgetProject drops per-project series once a project leaves the registry.
func ForgetProject(project string) {
	treeNodes.DeleteLabelValues(project)
}

// RecordLoad records how long the startup scan took.
func RecordLoad(duration time.Duration) {
	loadDuration.Observe(duration.Seconds())
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordMoveFallback counts a cross-device copy+delete move.
func RecordMoveFallback() {
	moveFallbacksTotal.Inc()
}

// RecordMirrorOperation records a metadata mirror operation.
func RecordMirrorOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	mirrorOperationsTotal.WithLabelValues(operation, status).Inc()
}

// SetNotifierSubscribers sets the number of notifier subscribers.
func SetNotifierSubscribers(count int) {
	notifierSubscribers.Set(float64(count))
}

// RecordNotification records a published or dropped notification.
func RecordNotification(kind string) {
	notifierEventsTotal.WithLabelValues(kind).Inc()
}

// Middleware records request counts and latency. The route pattern is used
// as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
