package services

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xolo_http_requests_total",
			Help: "Total API requests",
		},
		[]string{"route"},
	)

	requestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xolo_http_request_errors_total",
			Help: "API requests answered with status >= 400",
		},
		[]string{"route"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xolo_http_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	operationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xolo_operations_total",
			Help: "Finished lifecycle operations by result",
		},
		[]string{"operation", "result"},
	)

	conflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xolo_conflicts_total",
			Help: "Operations rejected because the object was locked or in the wrong state",
		},
	)

	activeJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xolo_active_jobs",
			Help: "Operations currently running in the background",
		},
	)

	maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xolo_maintenance_runs_total",
			Help: "Maintenance task runs by result",
		},
		[]string{"task", "result"},
	)
)

// 本地计数器，供健康检查接口读取
var (
	totalRequests int64
	totalErrors   int64
)

func init() {
	prometheus.MustRegister(requestCount, requestErrors, requestDuration,
		operationCount, conflicts, activeJobs, maintenanceRuns)
}

func IncrementRequestCount(route string) {
	requestCount.WithLabelValues(route).Inc()
	atomic.AddInt64(&totalRequests, 1)
}

func IncrementErrorCount(route string) {
	requestErrors.WithLabelValues(route).Inc()
	atomic.AddInt64(&totalErrors, 1)
}

func RecordRequestDuration(route string, seconds float64) {
	requestDuration.WithLabelValues(route).Observe(seconds)
}

func GetTotalRequestCount() int64 {
	return atomic.LoadInt64(&totalRequests)
}

func GetTotalErrorCount() int64 {
	return atomic.LoadInt64(&totalErrors)
}

// recordOperation 记录一次操作结果，冲突单独计数
func recordOperation(operation string, err error) {
	operationCount.WithLabelValues(operation, ErrorKind(err)).Inc()
	if ErrConflict.Has(err) {
		conflicts.Inc()
	}
}

func recordMaintenance(task string, err error) {
	maintenanceRuns.WithLabelValues(task, ErrorKind(err)).Inc()
}
