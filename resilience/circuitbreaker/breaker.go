package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// ConsecutiveFailureThreshold 连续失败次数阈值
	ConsecutiveFailureThreshold int

	// FailureRateThreshold 滚动窗口内失败率阈值 (0,1]
	FailureRateThreshold float64

	// MinimumThroughput 失败率生效前窗口内至少需要的调用数
	MinimumThroughput int

	// SamplingWindow 滚动窗口长度
	SamplingWindow time.Duration

	// BreakDuration 熔断持续时间（Open -> HalfOpen）
	BreakDuration time.Duration

	// CallTimeout 单次调用超时，0 表示不额外限制
	CallTimeout time.Duration

	// IsFailure 判断错误是否计入熔断失败，为空时所有非 nil 错误都计入
	IsFailure func(err error) bool

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ConsecutiveFailureThreshold: 5,
		FailureRateThreshold:        0.5,
		MinimumThroughput:           10,
		SamplingWindow:              30 * time.Second,
		BreakDuration:               30 * time.Second,
	}
}

// Stats 熔断器统计快照
type Stats struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	WindowCalls         int       `json:"window_calls"`
	WindowFailures      int       `json:"window_failures"`
	FailureRate         float64   `json:"failure_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	Rejected            uint64    `json:"rejected"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// Option 熔断器选项
type Option func(*Breaker)

// WithClock 注入时钟，用于确定性测试
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBuckets 设置滚动窗口的分桶数
func WithBuckets(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.buckets = n
		}
	}
}

// Breaker 熔断器实现
type Breaker struct {
	config  Config
	logger  *zap.Logger
	now     func() time.Time
	buckets int

	mu            sync.Mutex
	state         State
	window        *rollingWindow
	consecutive   int
	openedAt      time.Time
	trialInFlight bool

	successes uint64
	failures  uint64
	rejected  uint64
}

// ErrCircuitOpen 熔断器打开时由 Call 返回
var ErrCircuitOpen = errors.New("熔断器已打开")

type rejectedMarker struct{}

// New 创建熔断器
func New(config *Config, logger *zap.Logger, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	cfg := *config
	def := DefaultConfig()
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = def.ConsecutiveFailureThreshold
	}
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = def.FailureRateThreshold
	}
	if cfg.MinimumThroughput <= 0 {
		cfg.MinimumThroughput = def.MinimumThroughput
	}
	if cfg.SamplingWindow <= 0 {
		cfg.SamplingWindow = def.SamplingWindow
	}
	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = def.BreakDuration
	}

	b := &Breaker{
		config:  cfg,
		logger:  logger.With(zap.String("component", "circuit_breaker")),
		now:     time.Now,
		buckets: 10,
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.window = newRollingWindow(cfg.SamplingWindow, b.buckets)
	return b
}

// Execute 执行受保护调用。
// 熔断器拒绝调用时不执行 fn，直接返回 fallback 和 nil 错误。
// fn 的错误原样返回，不论是否计入熔断失败。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error), fallback any) (any, error) {
	trial, ok := b.allow()
	if !ok {
		return fallback, nil
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	// fn panic 时按失败记录，半开试探名额随之释放
	completed := false
	defer func() {
		if !completed {
			b.record(trial, true)
		}
	}()

	result, err := fn(callCtx)
	completed = true

	// 调用方主动取消不归咎于下游
	if err != nil && ctx.Err() != nil {
		b.release(trial)
		return result, err
	}

	b.record(trial, b.isFailure(err))
	return result, err
}

// Call 执行无返回值的受保护调用，熔断器拒绝时返回 ErrCircuitOpen
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	res, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, rejectedMarker{})
	if _, rejected := res.(rejectedMarker); rejected {
		return ErrCircuitOpen
	}
	return err
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.config.IsFailure == nil {
		return true
	}
	return b.config.IsFailure(err)
}

// allow 判断是否放行本次调用；trial 表示本次是半开状态下的试探调用
func (b *Breaker) allow() (trial bool, ok bool) {
	b.mu.Lock()
	var change *transition

	switch b.state {
	case StateClosed:
		ok = true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.BreakDuration {
			change = b.setState(StateHalfOpen)
			b.trialInFlight = true
			trial, ok = true, true
			b.logger.Info("熔断器进入半开状态")
		}

	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			trial, ok = true, true
		}
	}

	if !ok {
		b.rejected++
	}
	b.mu.Unlock()

	b.notify(change)
	return trial, ok
}

// release 释放未产生结论的试探名额
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) record(trial bool, failed bool) {
	b.mu.Lock()
	now := b.now()
	var change *transition

	if failed {
		b.failures++
	} else {
		b.successes++
	}

	switch {
	case trial && b.state == StateHalfOpen:
		b.trialInFlight = false
		if failed {
			b.logger.Warn("熔断器半开试探失败，重新打开")
			change = b.open(now)
		} else {
			b.logger.Info("熔断器恢复正常")
			change = b.setState(StateClosed)
			b.consecutive = 0
			b.window.reset()
		}

	case b.state == StateClosed:
		b.window.record(now, failed)
		if !failed {
			b.consecutive = 0
			break
		}
		b.consecutive++
		calls, failures := b.window.totals(now)
		rate := failureRate(calls, failures)
		if b.consecutive >= b.config.ConsecutiveFailureThreshold ||
			(calls >= b.config.MinimumThroughput && rate >= b.config.FailureRateThreshold) {
			b.logger.Warn("熔断器打开",
				zap.Int("consecutive_failures", b.consecutive),
				zap.Int("window_calls", calls),
				zap.Float64("failure_rate", rate),
			)
			change = b.open(now)
		}
	}
	b.mu.Unlock()

	b.notify(change)
}

func (b *Breaker) open(now time.Time) *transition {
	b.openedAt = now
	b.trialInFlight = false
	return b.setState(StateOpen)
}

type transition struct {
	from, to State
}

// setState 修改状态并返回待通知的变更，回调在锁外触发
func (b *Breaker) setState(newState State) *transition {
	old := b.state
	b.state = newState
	if old == newState {
		return nil
	}
	return &transition{from: old, to: newState}
}

func (b *Breaker) notify(t *transition) {
	if t == nil || b.config.OnStateChange == nil {
		return
	}
	b.config.OnStateChange(t.from, t.to)
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 返回统计快照
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	calls, failures := b.window.totals(b.now())
	s := Stats{
		State:               b.state,
		StateName:           b.state.String(),
		WindowCalls:         calls,
		WindowFailures:      failures,
		FailureRate:         failureRate(calls, failures),
		ConsecutiveFailures: b.consecutive,
		Successes:           b.successes,
		Failures:            b.failures,
		Rejected:            b.rejected,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset 手动恢复到关闭状态并清空窗口
func (b *Breaker) Reset() {
	b.mu.Lock()
	change := b.setState(StateClosed)
	b.consecutive = 0
	b.trialInFlight = false
	b.window.reset()
	b.mu.Unlock()

	b.logger.Info("熔断器已重置")
	b.notify(change)
}

func failureRate(calls, failures int) float64 {
	if calls == 0 {
		return 0
	}
	return float64(failures) / float64(calls)
}
