package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/resilience/circuitbreaker"
	"github.com/BaSui01/agentgate/resilience/retry"
)

const tracerName = "github.com/BaSui01/agentgate/notification"

// ErrShortCircuited 熔断器打开，本次派发未触达渠道
var ErrShortCircuited = errors.New("notification short-circuited: channel circuit open")

// DispatchMetrics 派发相关指标
type DispatchMetrics interface {
	RecordNotificationAttempt(duration time.Duration, err error)
	RecordNotificationRetry()
	SetCircuitState(state int)
	RecordCircuitRejected()
}

type noopDispatchMetrics struct{}

func (noopDispatchMetrics) RecordNotificationAttempt(time.Duration, error) {}
func (noopDispatchMetrics) RecordNotificationRetry()                       {}
func (noopDispatchMetrics) SetCircuitState(int)                            {}
func (noopDispatchMetrics) RecordCircuitRejected()                         {}

// AttemptRecorder 记录每次发送尝试，escalation.Store 满足该接口
type AttemptRecorder interface {
	IncrementAttempts(ctx context.Context, id string) error
}

// DispatcherConfig 派发器配置
type DispatcherConfig struct {
	Retry   *retry.RetryPolicy
	Breaker *circuitbreaker.Config
}

// DefaultDispatcherConfig 3 次尝试 + 默认熔断参数
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Retry:   retry.DefaultRetryPolicy(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

// DispatcherOption 派发器选项
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	breakerOpts []circuitbreaker.Option
	tracer      trace.Tracer
}

// WithBreakerOptions 透传熔断器选项（时钟、分桶数）
func WithBreakerOptions(opts ...circuitbreaker.Option) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.breakerOpts = append(o.breakerOpts, opts...)
	}
}

// WithDispatcherTracer 指定 tracer
func WithDispatcherTracer(t trace.Tracer) DispatcherOption {
	return func(o *dispatcherOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Dispatcher 以 熔断器(重试(发送)) 的方式向渠道派发审批请求，实现 escalation.Notifier
type Dispatcher struct {
	channel  Channel
	attempts AttemptRecorder
	retryer  retry.Retryer
	breaker  *circuitbreaker.Breaker
	metrics  DispatchMetrics
	tracer   trace.Tracer
	logger   *zap.Logger
}

var _ escalation.Notifier = (*Dispatcher)(nil)

// dispatchResult 熔断器的返回值，fallback 表示被短路
type dispatchResult struct {
	shortCircuited bool
}

// NewDispatcher 创建派发器；attempts 与 metrics 可为空
func NewDispatcher(channel Channel, attempts AttemptRecorder, config DispatcherConfig, metrics DispatchMetrics, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopDispatchMetrics{}
	}

	o := dispatcherOptions{tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dispatcher{
		channel:  channel,
		attempts: attempts,
		metrics:  metrics,
		tracer:   o.tracer,
		logger:   logger.With(zap.String("component", "dispatcher"), zap.String("channel", channel.Name())),
	}

	policy := retry.DefaultRetryPolicy()
	if config.Retry != nil {
		p := *config.Retry
		policy = &p
	}
	userOnRetry := policy.OnRetry
	policy.Retryable = IsTransient
	if policy.DelayHint == nil {
		policy.DelayHint = retryAfterHint
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.metrics.RecordNotificationRetry()
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}
	d.retryer = retry.NewBackoffRetryer(policy, d.logger)

	breakerCfg := circuitbreaker.DefaultConfig()
	if config.Breaker != nil {
		c := *config.Breaker
		breakerCfg = &c
	}
	// 只有瞬时错误说明渠道不健康，4xx 不计入熔断
	breakerCfg.IsFailure = IsTransient
	userOnChange := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		d.metrics.SetCircuitState(int(to))
		if userOnChange != nil {
			userOnChange(from, to)
		}
	}
	d.breaker = circuitbreaker.New(breakerCfg, d.logger, o.breakerOpts...)
	d.metrics.SetCircuitState(int(circuitbreaker.StateClosed))

	return d
}

// Notify 实现 escalation.Notifier
func (d *Dispatcher) Notify(ctx context.Context, req *escalation.ApprovalRequest) error {
	ctx, span := d.tracer.Start(ctx, "notification.Dispatch",
		trace.WithAttributes(
			attribute.String("approval.id", req.ID),
			attribute.String("notification.channel", d.channel.Name()),
		),
	)
	defer span.End()

	res, err := circuitbreaker.ExecuteTyped(ctx, d.breaker, func(ctx context.Context) (dispatchResult, error) {
		return dispatchResult{}, d.retryer.Do(ctx, func(ctx context.Context) error {
			return d.attempt(ctx, req)
		})
	}, dispatchResult{shortCircuited: true})

	if res.shortCircuited {
		d.metrics.RecordCircuitRejected()
		d.logger.Warn("熔断器打开，跳过派发", zap.String("request_id", req.ID))
		span.SetStatus(codes.Error, "short-circuited")
		return fmt.Errorf("%w: request %s", ErrShortCircuited, req.ID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("dispatch %s via %s: %w", req.ID, d.channel.Name(), err)
	}
	return nil
}

// attempt 单次发送，记录耗时与尝试次数
func (d *Dispatcher) attempt(ctx context.Context, req *escalation.ApprovalRequest) error {
	start := time.Now()
	err := d.channel.Send(ctx, req)
	d.metrics.RecordNotificationAttempt(time.Since(start), err)

	if d.attempts != nil {
		// 尝试次数只做统计，写入失败不影响派发结果
		if incErr := d.attempts.IncrementAttempts(context.WithoutCancel(ctx), req.ID); incErr != nil {
			d.logger.Warn("记录通知尝试次数失败", zap.String("request_id", req.ID), zap.Error(incErr))
		}
	}

	if err != nil {
		d.logger.Debug("渠道发送失败",
			zap.String("request_id", req.ID),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
	}
	return err
}

// BreakerStats 熔断器统计
func (d *Dispatcher) BreakerStats() circuitbreaker.Stats {
	return d.breaker.Stats()
}

// ResetBreaker 手动闭合熔断器
func (d *Dispatcher) ResetBreaker() {
	d.breaker.Reset()
	d.metrics.SetCircuitState(int(circuitbreaker.StateClosed))
}

// Channel 返回底层渠道
func (d *Dispatcher) Channel() Channel {
	return d.channel
}

// retryAfterHint 取 Telegram 429 响应中的 retry_after
func retryAfterHint(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}
