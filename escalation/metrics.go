package escalation

import "time"

// Metrics 引擎需要的指标记录能力，由 internal/metrics.Collector 实现
type Metrics interface {
	RecordEnqueue()
	RecordDequeue()
	SetQueueSize(n int64)
	RecordApprovalInitialized()
	RecordApprovalOutcome(outcome string, responseTime time.Duration)
	RecordSessionNotifyFailure()
	RecordMonitorScan(expired int, err error)
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueue()                              {}
func (noopMetrics) RecordDequeue()                              {}
func (noopMetrics) SetQueueSize(int64)                          {}
func (noopMetrics) RecordApprovalInitialized()                  {}
func (noopMetrics) RecordApprovalOutcome(string, time.Duration) {}
func (noopMetrics) RecordSessionNotifyFailure()                 {}
func (noopMetrics) RecordMonitorScan(int, error)                {}
