package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolver 执行终态转换，由 Processor 实现
type Resolver interface {
	Resolve(ctx context.Context, id string, outcome Outcome, decidedBy string) (ResolveResult, error)
}

// MonitorConfig 超时监控配置
type MonitorConfig struct {
	ScanInterval             time.Duration
	MaxConcurrentResolutions int
	BatchSize                int
}

// DefaultMonitorConfig 返回默认配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ScanInterval:             30 * time.Second,
		MaxConcurrentResolutions: 10,
		BatchSize:                500,
	}
}

// ScanReport 单次扫描结果
type ScanReport struct {
	Scanned         int           `json:"scanned"`
	Expired         int           `json:"expired"`
	AlreadyResolved int           `json:"already_resolved"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"duration"`
}

// MonitorOption 超时监控选项
type MonitorOption func(*TimeoutMonitor)

// WithMonitorClock 注入时钟
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *TimeoutMonitor) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithMonitorMetrics 设置指标记录器
func WithMonitorMetrics(metrics Metrics) MonitorOption {
	return func(m *TimeoutMonitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// ErrMonitorRunning 重复启动
var ErrMonitorRunning = errors.New("timeout monitor already running")

// TimeoutMonitor 周期扫描过期的待处理请求并将其转换为 TimedOut。
// 不直接写存储，所有转换都经过 Resolver。
type TimeoutMonitor struct {
	resolver Resolver
	queue    *Queue
	config   MonitorConfig
	metrics  Metrics
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	healthy atomic.Bool
	last    atomic.Pointer[ScanReport]
	lastAt  atomic.Int64
}

// NewTimeoutMonitor 创建超时监控
func NewTimeoutMonitor(resolver Resolver, queue *Queue, config MonitorConfig, logger *zap.Logger, opts ...MonitorOption) *TimeoutMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultMonitorConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.MaxConcurrentResolutions <= 0 {
		config.MaxConcurrentResolutions = def.MaxConcurrentResolutions
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	m := &TimeoutMonitor{
		resolver: resolver,
		queue:    queue,
		config:   config,
		metrics:  noopMetrics{},
		clock:    time.Now,
		logger:   logger.With(zap.String("component", "timeout_monitor")),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.healthy.Store(true)
	return m
}

// Start 启动后台扫描循环，立即执行一次扫描
func (m *TimeoutMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrMonitorRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)

	m.logger.Info("超时监控已启动",
		zap.Duration("scan_interval", m.config.ScanInterval),
		zap.Int("max_concurrent", m.config.MaxConcurrentResolutions),
	)
	return nil
}

// Stop 停止扫描循环并等待当前扫描结束，可重复调用
func (m *TimeoutMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("超时监控已停止")
}

func (m *TimeoutMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		if _, err := m.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("超时扫描失败", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ScanOnce 执行一次扫描。扫描中的 panic 被恢复并记为不健康。
func (m *TimeoutMonitor) ScanOnce(ctx context.Context) (report ScanReport, err error) {
	start := time.Now()
	defer func() {
		panicked := false
		if r := recover(); r != nil {
			err = fmt.Errorf("timeout scan panic: %v", r)
			panicked = true
		}
		report.Duration = time.Since(start)
		// 停止导致的中断不是故障，保留上一次的健康状态
		if err != nil && !panicked && ctx.Err() != nil {
			m.logger.Debug("超时扫描被中断", zap.Error(err))
			return
		}
		m.record(report, err)
	}()

	expired, err := m.queue.Expired(ctx, m.clock(), m.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list expired: %w", err)
	}
	report.Scanned = len(expired)
	if len(expired) == 0 {
		return report, nil
	}

	var (
		applied, already, failed atomic.Int64
		errMu                    sync.Mutex
		errs                     []error
	)

	var g errgroup.Group
	g.SetLimit(m.config.MaxConcurrentResolutions)

	for _, req := range expired {
		id := req.ID
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					failed.Add(1)
					errMu.Lock()
					errs = append(errs, fmt.Errorf("resolve %s panic: %v", id, r))
					errMu.Unlock()
				}
			}()

			result, err := m.resolver.Resolve(ctx, id, OutcomeTimedOut, DecidedByTimeoutMonitor)
			if err != nil {
				failed.Add(1)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("resolve %s: %w", id, err))
				errMu.Unlock()
				return nil
			}
			switch result {
			case ResolveApplied:
				applied.Add(1)
			case ResolveAlreadyResolved, ResolveNotFound:
				already.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Expired = int(applied.Load())
	report.AlreadyResolved = int(already.Load())
	report.Failed = int(failed.Load())

	if len(errs) > 0 {
		return report, fmt.Errorf("%d of %d resolutions failed: %w", len(errs), len(expired), errors.Join(errs...))
	}

	if report.Expired > 0 {
		m.logger.Info("过期请求已超时处理",
			zap.Int("expired", report.Expired),
			zap.Int("already_resolved", report.AlreadyResolved),
		)
	}
	return report, nil
}

func (m *TimeoutMonitor) record(report ScanReport, err error) {
	m.healthy.Store(err == nil)
	m.last.Store(&report)
	m.lastAt.Store(m.clock().UnixNano())
	m.metrics.RecordMonitorScan(report.Expired, err)
}

// Healthy 上一次扫描是否无错误完成
func (m *TimeoutMonitor) Healthy() bool {
	return m.healthy.Load()
}

// Running 后台循环是否在运行
func (m *TimeoutMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// LastScan 返回上一次扫描结果与时间，尚未扫描时 ok 为 false
func (m *TimeoutMonitor) LastScan() (report ScanReport, at time.Time, ok bool) {
	r := m.last.Load()
	if r == nil {
		return ScanReport{}, time.Time{}, false
	}
	return *r, time.Unix(0, m.lastAt.Load()), true
}
