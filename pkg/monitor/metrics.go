package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 适配器指标
var (
	// ProcessCpuUsage 系统资源指标
	ProcessCpuUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "process_cpu_usage_percent",
		Help: "Current CPU usage percentage of the process",
	})

	ProcessMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "process_memory_usage_bytes",
		Help: "Current memory usage in bytes",
	})

	ProcessGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "process_goroutines_count",
		Help: "Current number of goroutines",
	})

	// GrpcRequestsTotal gRPC接口指标
	GrpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests",
	}, []string{"method", "status"})

	GrpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grpc_request_duration_seconds",
		Help:    "Duration of gRPC requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method"})

	// JobsSubmitted 平台作业指标
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_jobs_submitted_total",
		Help: "Total number of jobs submitted to the platform",
	}, []string{"kind"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_jobs_finished_total",
		Help: "Total number of jobs observed in a terminal state",
	}, []string{"kind", "status"})

	JobWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adapter_job_wait_seconds",
		Help:    "Time spent blocking on a job until it reached a terminal state",
		Buckets: prometheus.ExponentialBuckets(30, 2, 10),
	}, []string{"kind"})

	PlatformCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_platform_call_errors_total",
		Help: "Total number of failed platform API calls",
	}, []string{"operation"})

	// JournalRecords 作业日志指标
	JournalRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adapter_journal_records",
		Help: "Number of job records in the journal",
	}, []string{"kind"})

	DatabaseConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "database_connections",
		Help: "Number of active database connections",
	}, []string{"database", "type"})

	// MetricsRequestDuration Metrics接口性能指标
	MetricsRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metrics_endpoint_duration_seconds",
		Help:    "Duration of metrics endpoint requests",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1},
	})

	MetricsRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_requests_total",
		Help: "Total number of metrics endpoint requests",
	}, []string{"code"})
)
