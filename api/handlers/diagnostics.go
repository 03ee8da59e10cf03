package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/database"
	"github.com/BaSui01/agentgate/internal/metrics"
	"github.com/BaSui01/agentgate/resilience/circuitbreaker"
)

// 诊断数据来源，均可为空
type (
	SnapshotSource interface {
		Snapshot() metrics.Snapshot
	}
	BreakerSource interface {
		BreakerStats() circuitbreaker.Stats
	}
	MonitorSource interface {
		Healthy() bool
		Running() bool
		LastScan() (escalation.ScanReport, time.Time, bool)
	}
	PoolSource interface {
		GetStats() database.PoolStats
	}
)

// MonitorStatus 超时扫描器状态
type MonitorStatus struct {
	Healthy    bool                   `json:"healthy"`
	Running    bool                   `json:"running"`
	LastScan   *escalation.ScanReport `json:"last_scan,omitempty"`
	LastScanAt *time.Time             `json:"last_scan_at,omitempty"`
}

// Diagnostics GET /api/v1/diagnostics 响应
type Diagnostics struct {
	Metrics        *metrics.Snapshot     `json:"metrics,omitempty"`
	CircuitBreaker *circuitbreaker.Stats `json:"circuit_breaker,omitempty"`
	TimeoutMonitor *MonitorStatus        `json:"timeout_monitor,omitempty"`
	Database       *database.PoolStats   `json:"database,omitempty"`
}

// DiagnosticsHandler 汇总指标快照、熔断器与扫描器状态
type DiagnosticsHandler struct {
	Metrics SnapshotSource
	Breaker BreakerSource
	Monitor MonitorSource
	Pool    PoolSource
	Logger  *zap.Logger
}

// HandleDiagnostics GET /api/v1/diagnostics
func (h *DiagnosticsHandler) HandleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	var d Diagnostics
	if h.Metrics != nil {
		snap := h.Metrics.Snapshot()
		d.Metrics = &snap
	}
	if h.Breaker != nil {
		stats := h.Breaker.BreakerStats()
		d.CircuitBreaker = &stats
	}
	if h.Monitor != nil {
		status := &MonitorStatus{Healthy: h.Monitor.Healthy(), Running: h.Monitor.Running()}
		if report, at, ok := h.Monitor.LastScan(); ok {
			status.LastScan = &report
			status.LastScanAt = &at
		}
		d.TimeoutMonitor = status
	}
	if h.Pool != nil {
		stats := h.Pool.GetStats()
		d.Database = &stats
	}
	WriteSuccess(w, d)
}
