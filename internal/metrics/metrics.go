// Package metrics defines custom Prometheus metrics for BucketDesk.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketdesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketdesk_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketdesk_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage adapter metrics.
var (
	// AdapterOperationsTotal counts adapter operations by provider kind,
	// operation and result ("success" or an error kind).
	AdapterOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketdesk_adapter_operations_total",
			Help: "Storage adapter operations by provider and result",
		},
		[]string{"provider", "operation", "result"},
	)

	// AdapterOperationDuration observes adapter operation latency in seconds.
	AdapterOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketdesk_adapter_operation_duration_seconds",
			Help:    "Storage adapter operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// RelocatedObjectsTotal counts objects moved by rename/move emulation.
	RelocatedObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bucketdesk_relocated_objects_total",
			Help: "Objects copied and deleted by rename/move",
		},
	)
)

// Transfer metrics.
var (
	// TasksTotal counts tasks reaching a terminal state by direction, kind
	// and status.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketdesk_transfer_tasks_total",
			Help: "Transfer tasks by terminal status",
		},
		[]string{"direction", "kind", "status"},
	)

	// TasksQueued is the number of tasks waiting for a worker.
	TasksQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bucketdesk_transfer_tasks_queued",
			Help: "Transfer tasks waiting in the queue",
		},
	)

	// TasksActive is the number of tasks inside their upload/download step.
	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bucketdesk_transfer_tasks_active",
			Help: "Transfer tasks currently uploading or downloading",
		},
		[]string{"direction"},
	)

	// TransferBytesTotal counts payload bytes moved by direction.
	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketdesk_transfer_bytes_total",
			Help: "Bytes uploaded or downloaded by transfer tasks",
		},
		[]string{"direction"},
	)

	// CompressionDuration observes compression latency by preset.
	CompressionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketdesk_compression_duration_seconds",
			Help:    "Image compression latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"preset"},
	)

	// CompressionOutputSize observes compressed output sizes in bytes.
	CompressionOutputSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketdesk_compression_output_bytes",
			Help:    "Compressed image size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"preset"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			AdapterOperationsTotal,
			AdapterOperationDuration,
			RelocatedObjectsTotal,
			TasksTotal,
			TasksQueued,
			TasksActive,
			TransferBytesTotal,
			CompressionDuration,
			CompressionOutputSize,
		)
		TasksActive.WithLabelValues("upload")
		TasksActive.WithLabelValues("download")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. Request and transfer IDs
// are collapsed to avoid high-cardinality labels.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/openapi.json":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	// Stoplight Elements assets.
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if rest, ok := strings.CutPrefix(path, "/v1/transfers/"); ok {
		switch {
		case rest == "upload" || rest == "download":
			return path
		case strings.HasPrefix(rest, "tasks/"):
			return "/v1/transfers/tasks/{taskId}/resubmit"
		case strings.HasSuffix(rest, "/cancel"):
			return "/v1/transfers/{requestId}/cancel"
		case rest != "":
			return "/v1/transfers/{requestId}"
		}
	}
	if strings.HasPrefix(path, "/v1/") {
		return strings.TrimSuffix(path, "/")
	}
	return "/other"
}
