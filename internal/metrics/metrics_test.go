package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/v1/objects/list", "/v1/objects/list"},
		{"/v1/objects/list/", "/v1/objects/list"},
		{"/v1/transfers/upload", "/v1/transfers/upload"},
		{"/v1/transfers/download", "/v1/transfers/download"},
		{"/v1/transfers/abc123", "/v1/transfers/{requestId}"},
		{"/v1/transfers/abc123/cancel", "/v1/transfers/{requestId}/cancel"},
		{"/v1/transfers/tasks/t1/resubmit", "/v1/transfers/tasks/{taskId}/resubmit"},
		{"/wp-admin/login.php", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	// A second call must be a no-op rather than a duplicate-registration panic.
	Register()

	HTTPRequestsTotal.WithLabelValues("POST", "/v1/objects/list", "200").Inc()
	HTTPRequestDuration.WithLabelValues("POST", "/v1/objects/list").Observe(0.001)
	HTTPRequestSize.WithLabelValues("POST", "/v1/objects/upload").Observe(1024)
	AdapterOperationsTotal.WithLabelValues("s3", "list", "success").Inc()
	AdapterOperationDuration.WithLabelValues("s3", "list").Observe(0.02)
	RelocatedObjectsTotal.Add(3)
	TasksTotal.WithLabelValues("upload", "compressed", "completed").Inc()
	TasksQueued.Set(4)
	TasksActive.WithLabelValues("upload").Inc()
	TransferBytesTotal.WithLabelValues("download").Add(2048)
	CompressionDuration.WithLabelValues("thumbnail").Observe(0.1)
	CompressionOutputSize.WithLabelValues("thumbnail").Observe(12000)
}
