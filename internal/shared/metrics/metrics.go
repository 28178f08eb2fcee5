// Package metrics Prometheus 指标：HTTP、节点池、镜像同步、数据库
//
// api-server 与 image-sync 共用同一套指标定义，各自只会触发
// 自己路径上的记录函数。
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含全部业务指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 节点池指标
	NodesTotal        *prometheus.GaugeVec
	AllocationsTotal  *prometheus.CounterVec
	AllocationRetries prometheus.Counter

	// 镜像同步指标
	SyncRunsTotal     *prometheus.CounterVec
	SyncRunDuration   prometheus.Histogram
	SyncFilesWritten  prometheus.Counter
	SyncBytesWritten  prometheus.Counter
	BootResourcesKept prometheus.Gauge

	// 数据库指标
	DBQueryTotal    *prometheus.CounterVec
	DBQueryDuration *prometheus.HistogramVec
}

// New 创建指标实例
//
// promauto 注册到全局 registry，每个进程只能创建一次。
func New(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		NodesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total nodes by status",
			},
			[]string{"status"},
		),
		AllocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocations_total",
				Help:      "Total node allocation attempts by result",
			},
			[]string{"result"},
		),
		AllocationRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allocation_retries_total",
				Help:      "Allocation attempts retried after losing a race",
			},
		),
		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_sync_runs_total",
				Help:      "Total image sync passes by result",
			},
			[]string{"result"},
		),
		SyncRunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "image_sync_duration_seconds",
				Help:      "Image sync pass duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		SyncFilesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_sync_files_written_total",
				Help:      "Boot resource files written to the object store",
			},
		),
		SyncBytesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_sync_bytes_written_total",
				Help:      "Bytes written to the object store by image sync",
			},
		),
		BootResourcesKept: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "boot_resources_total",
				Help:      "Boot resources currently kept",
			},
		),
		DBQueryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_queries_total",
				Help:      "Total database queries",
			},
			[]string{"operation", "table"},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "table"},
		),
	}
}

// Middleware 创建 HTTP 指标中间件
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径标签，避免高基数
//
// 集合端点按 op 形参区分，如
// /api/1.0/nodes/?op=acquire -> /api/1.0/nodes/{acquire}
func normalizePath(r *http.Request) string {
	path := r.URL.Path
	if strings.HasPrefix(path, "/api/1.0/nodes/") {
		op := r.URL.Query().Get("op")
		if op == "" {
			op = "list"
		}
		return "/api/1.0/nodes/{" + op + "}"
	}
	return path
}

// Handler 返回 Prometheus HTTP Handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDBQuery 记录数据库查询指标
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration) {
	m.DBQueryTotal.WithLabelValues(operation, table).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordAllocation 记录分配结果（acquired / no_match / conflict）
func (m *Metrics) RecordAllocation(result string) {
	m.AllocationsTotal.WithLabelValues(result).Inc()
}

// RecordAllocationRetry 记录一次竞争失败后的重选
func (m *Metrics) RecordAllocationRetry() {
	m.AllocationRetries.Inc()
}

// RecordSyncRun 记录一次镜像同步
func (m *Metrics) RecordSyncRun(result string, duration time.Duration) {
	m.SyncRunsTotal.WithLabelValues(result).Inc()
	m.SyncRunDuration.Observe(duration.Seconds())
}

// RecordSyncWrite 记录一次镜像内容写入
func (m *Metrics) RecordSyncWrite(bytes int64) {
	m.SyncFilesWritten.Inc()
	m.SyncBytesWritten.Add(float64(bytes))
}

// SetBootResourcesKept 设置留存的镜像资源数
func (m *Metrics) SetBootResourcesKept(count int) {
	m.BootResourcesKept.Set(float64(count))
}

// SetNodesCount 设置某状态的节点数量
func (m *Metrics) SetNodesCount(status string, count int) {
	m.NodesTotal.WithLabelValues(status).Set(float64(count))
}
