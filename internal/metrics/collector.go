// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 帧指标
	streamFramesTotal   *prometheus.CounterVec
	streamWritesDropped prometheus.Counter
	streamDecodeErrors  prometheus.Counter
	streamDoneSentinels prometheus.Counter

	// 来源指标
	streamSourcesActive      prometheus.Gauge
	streamSourceTerminations *prometheus.CounterVec
	streamSourceDuration     prometheus.Histogram

	// 会话指标
	streamSessionsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 帧指标
	c.streamFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total number of frames written to client destinations",
		},
		[]string{"kind"}, // kind: data, meta, result, error, end
	)

	c.streamWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_writes_dropped_total",
			Help:      "Total number of frames dropped because the destination was closed",
		},
	)

	c.streamDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_decode_errors_total",
			Help:      "Total number of malformed upstream frames skipped",
		},
	)

	c.streamDoneSentinels = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_done_sentinels_total",
			Help:      "Total number of legacy [DONE] sentinels observed",
		},
	)

	// 来源指标
	c.streamSourcesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sources_active",
			Help:      "Number of upstream sources currently registered",
		},
	)

	c.streamSourceTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_source_terminations_total",
			Help:      "Total number of upstream sources reaching a terminal state",
		},
		[]string{"state"}, // state: ended, errored
	)

	c.streamSourceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_source_duration_seconds",
			Help:      "Upstream source lifetime in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// 会话指标
	c.streamSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_sessions_total",
			Help:      "Total number of fan-in sessions",
		},
		[]string{"transport", "outcome"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🌊 流指标记录（streaming.Observer）
// =============================================================================

// RecordStreamFrame 记录写出的帧
func (c *Collector) RecordStreamFrame(kind string) {
	c.streamFramesTotal.WithLabelValues(kind).Inc()
}

// RecordStreamWriteDropped 记录因目标关闭而丢弃的写入
func (c *Collector) RecordStreamWriteDropped() {
	c.streamWritesDropped.Inc()
}

// RecordStreamDecodeError 记录被跳过的畸形帧
func (c *Collector) RecordStreamDecodeError() {
	c.streamDecodeErrors.Inc()
}

// RecordStreamDoneSentinel 记录 [DONE] 哨兵
func (c *Collector) RecordStreamDoneSentinel() {
	c.streamDoneSentinels.Inc()
}

// RecordStreamSourceStarted 记录来源注册
func (c *Collector) RecordStreamSourceStarted() {
	c.streamSourcesActive.Inc()
}

// RecordStreamSourceFinished 记录来源终止
func (c *Collector) RecordStreamSourceFinished(state string, duration time.Duration) {
	c.streamSourcesActive.Dec()
	c.streamSourceTerminations.WithLabelValues(state).Inc()
	c.streamSourceDuration.Observe(duration.Seconds())
}

// RecordStreamSession 记录一次扇入会话
func (c *Collector) RecordStreamSession(transport, outcome string) {
	c.streamSessionsTotal.WithLabelValues(transport, outcome).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
