// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，所有序列注册在私有 Registry 上
type Collector struct {
	registry *prometheus.Registry

	// 审批队列指标
	queueSize    prometheus.Gauge
	enqueueTotal prometheus.Counter
	dequeueTotal prometheus.Counter

	// 审批结果指标
	approvalsInitialized prometheus.Counter
	approvalsAccepted    prometheus.Counter
	approvalsRejected    prometheus.Counter
	approvalsTimeout     prometheus.Counter
	approvalsCancelled   prometheus.Counter
	responseTime         prometheus.Histogram
	sessionNotifyFailed  prometheus.Counter

	// 通知渠道指标
	notificationRequests prometheus.Counter
	notificationFailures prometheus.Counter
	notificationRetries  prometheus.Counter
	notificationDuration prometheus.Histogram
	circuitState         prometheus.Gauge
	circuitRejected      prometheus.Counter

	// 超时监控指标
	monitorHealth  prometheus.Gauge
	monitorScans   *prometheus.CounterVec
	monitorExpired prometheus.Counter

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 审批队列指标
	c.queueSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escalation_queue_size",
		Help:      "Current number of pending approval requests",
	})
	c.enqueueTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_queue_enqueue_total",
		Help:      "Total number of approval requests enqueued",
	})
	c.dequeueTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_queue_dequeue_total",
		Help:      "Total number of approval requests that left the pending queue",
	})

	// 审批结果指标
	c.approvalsInitialized = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_approvals_initialized_total",
		Help:      "Total number of approval requests created",
	})
	c.approvalsAccepted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_approvals_accepted_total",
		Help:      "Total number of approval requests approved",
	})
	c.approvalsRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_approvals_rejected_total",
		Help:      "Total number of approval requests rejected",
	})
	c.approvalsTimeout = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_approvals_timeout_total",
		Help:      "Total number of approval requests that timed out",
	})
	c.approvalsCancelled = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_approvals_cancelled_total",
		Help:      "Total number of approval requests cancelled",
	})
	c.responseTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escalation_response_time_seconds",
		Help:      "Time from request creation to terminal decision",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	})
	c.sessionNotifyFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalation_session_notify_failures_total",
		Help:      "Total number of failed outcome deliveries to agent sessions",
	})

	// 通知渠道指标
	c.notificationRequests = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_requests_total",
		Help:      "Total number of notification send attempts",
	})
	c.notificationFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_failures_total",
		Help:      "Total number of failed notification send attempts",
	})
	c.notificationRetries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_retry_attempts_total",
		Help:      "Total number of notification retries",
	})
	c.notificationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_duration_seconds",
		Help:      "Notification send attempt latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
	c.circuitState = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notification_circuit_state",
		Help:      "Notification circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
	c.circuitRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_circuit_rejected_total",
		Help:      "Total number of dispatches short-circuited by an open breaker",
	})

	// 超时监控指标
	c.monitorHealth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "timeout_monitor_health",
		Help:      "1 if the last timeout scan completed without error, 0 otherwise",
	})
	c.monitorScans = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeout_monitor_scans_total",
		Help:      "Total number of timeout scans",
	}, []string{"result"})
	c.monitorExpired = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timeout_monitor_expired_total",
		Help:      "Total number of requests transitioned to timed out by the monitor",
	})

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// 启动前监控尚未扫描，视为健康
	c.monitorHealth.Set(1)

	return c
}

// Registry 返回私有 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 Prometheus 文本格式的导出 Handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry:          c.registry,
		EnableOpenMetrics: false,
	})
}

// =============================================================================
// 📥 审批队列指标记录
// =============================================================================

// RecordEnqueue 记录请求入队
func (c *Collector) RecordEnqueue() {
	c.enqueueTotal.Inc()
	c.queueSize.Inc()
}

// RecordDequeue 记录请求出队（进入终态）
func (c *Collector) RecordDequeue() {
	c.dequeueTotal.Inc()
	c.queueSize.Dec()
}

// SetQueueSize 以存储中的实际数量校准队列 gauge
func (c *Collector) SetQueueSize(n int64) {
	c.queueSize.Set(float64(n))
}

// =============================================================================
// ✅ 审批结果指标记录
// =============================================================================

// RecordApprovalInitialized 记录新建审批请求
func (c *Collector) RecordApprovalInitialized() {
	c.approvalsInitialized.Inc()
}

// RecordApprovalOutcome 记录终态结果，outcome 取值 approved/rejected/timed_out/cancelled
func (c *Collector) RecordApprovalOutcome(outcome string, responseTime time.Duration) {
	switch outcome {
	case "approved":
		c.approvalsAccepted.Inc()
	case "rejected":
		c.approvalsRejected.Inc()
	case "timed_out":
		c.approvalsTimeout.Inc()
	case "cancelled":
		c.approvalsCancelled.Inc()
	default:
		c.logger.Warn("未知的审批结果", zap.String("outcome", outcome))
		return
	}
	if responseTime < 0 {
		responseTime = 0
	}
	c.responseTime.Observe(responseTime.Seconds())
}

// RecordSessionNotifyFailure 记录会话通知失败
func (c *Collector) RecordSessionNotifyFailure() {
	c.sessionNotifyFailed.Inc()
}

// =============================================================================
// 📨 通知渠道指标记录
// =============================================================================

// RecordNotificationAttempt 记录一次发送尝试，不论成功与否
func (c *Collector) RecordNotificationAttempt(duration time.Duration, err error) {
	c.notificationRequests.Inc()
	c.notificationDuration.Observe(duration.Seconds())
	if err != nil {
		c.notificationFailures.Inc()
	}
}

// RecordNotificationRetry 记录一次重试
func (c *Collector) RecordNotificationRetry() {
	c.notificationRetries.Inc()
}

// SetCircuitState 设置熔断器状态 gauge
func (c *Collector) SetCircuitState(state int) {
	c.circuitState.Set(float64(state))
}

// RecordCircuitRejected 记录被熔断短路的派发
func (c *Collector) RecordCircuitRejected() {
	c.circuitRejected.Inc()
}

// =============================================================================
// ⏱️ 超时监控指标记录
// =============================================================================

// RecordMonitorScan 记录一次扫描结果并更新健康 gauge
func (c *Collector) RecordMonitorScan(expired int, err error) {
	if err != nil {
		c.monitorHealth.Set(0)
		c.monitorScans.WithLabelValues("error").Inc()
	} else {
		c.monitorHealth.Set(1)
		c.monitorScans.WithLabelValues("ok").Inc()
	}
	if expired > 0 {
		c.monitorExpired.Add(float64(expired))
	}
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔍 JSON 快照
// =============================================================================

// HistogramSnapshot 直方图摘要
type HistogramSnapshot struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum"`
}

// Snapshot 所有业务序列的 JSON 视图
type Snapshot struct {
	Counters   map[string]float64           `json:"counters"`
	Gauges     map[string]float64           `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// Snapshot 从私有 Registry 采集业务指标，跳过 go_ 与 process_ 运行时序列
func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:   make(map[string]float64),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string]HistogramSnapshot),
	}

	families, err := c.registry.Gather()
	if err != nil {
		c.logger.Warn("采集指标失败", zap.Error(err))
	}

	for _, mf := range families {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := seriesKey(name, m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snap.Gauges[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				snap.Histograms[key] = HistogramSnapshot{
					Count: h.GetSampleCount(),
					Sum:   h.GetSampleSum(),
				}
			}
		}
	}
	return snap
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, lp := range labels {
		parts = append(parts, lp.GetName()+"=\""+lp.GetValue()+"\"")
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
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
