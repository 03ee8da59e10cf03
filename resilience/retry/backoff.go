package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// JitterFraction 抖动幅度（±30%）
const JitterFraction = 0.3

// RetryPolicy 定义重试策略配置
type RetryPolicy struct {
	MaxAttempts int                                               // 最大尝试次数（含首次）
	BaseDelay   time.Duration                                     // 退避基数
	MaxDelay    time.Duration                                     // 单次退避上限（抖动前）
	Jitter      bool                                              // 是否添加 ±30% 随机抖动
	Retryable   func(err error) bool                              // 瞬时错误判定，为空则所有错误都可重试
	OnRetry     func(attempt int, err error, delay time.Duration) // 重试回调（attempt 从 1 开始，表示即将进行的重试序号）

	// DelayHint 从错误中取服务端要求的最短等待（如 429 的 retry_after）。
	// 实际等待为 max(退避, 提示)，提示部分不超过 MaxDelay。
	DelayHint func(err error) (time.Duration, bool)
}

// DefaultRetryPolicy 返回默认的重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    16 * time.Second,
		Jitter:      true,
	}
}

// Retryer 重试器接口
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExhaustedError 重试次数耗尽
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("重试 %d 次后仍失败: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy *RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

// NewBackoffRetryer 创建指数退避重试器
func NewBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) Retryer {
	return newBackoffRetryer(policy, logger)
}

func newBackoffRetryer(policy *RetryPolicy, logger *zap.Logger) *backoffRetryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	p := *policy
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	return &backoffRetryer{
		policy: &p,
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
		rand:   rand.Float64,
	}
}

// Do 实现 Retryer.Do
//
// 第 k 次尝试（从 0 开始）瞬时失败后等待 min(base·2^k, max)·jitter。
// 最后一次失败之后同样等待一个退避周期再报告耗尽，
// 因此 N 次尝试的总耗时覆盖完整的退避序列。
func (r *backoffRetryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if ctx.Err() != nil {
			return lastErr
		}

		if !r.isRetryable(lastErr) {
			r.logger.Debug("错误不可重试", zap.Error(lastErr))
			return lastErr
		}

		delay := r.delayFor(attempt, lastErr)
		last := attempt == r.policy.MaxAttempts-1

		if !last {
			r.logger.Debug("重试中",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt+1, lastErr, delay)
			}
		}

		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("重试被取消: %w", err)
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)

	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Last: lastErr}
}

// delayFor 在指数退避的基础上叠加服务端的等待提示
func (r *backoffRetryer) delayFor(attempt int, err error) time.Duration {
	delay := r.calculateDelay(attempt)
	if r.policy.DelayHint == nil {
		return delay
	}
	hint, ok := r.policy.DelayHint(err)
	if !ok || hint <= 0 {
		return delay
	}
	hint = min(hint, r.policy.MaxDelay)
	return max(delay, hint)
}

// calculateDelay 返回第 attempt 次（从 0 开始）失败后的退避时长
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt))

	// 限制最大延迟
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		delay += (r.rand()*2 - 1) * JitterFraction * delay
	}

	return time.Duration(delay)
}

// isRetryable 检查错误是否可重试
func (r *backoffRetryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if r.policy.Retryable == nil {
		return true
	}
	return r.policy.Retryable(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TransientError 标记瞬时错误
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient 检查错误链中是否带有 TransientError 标记
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// MarkTransient 将错误包装为瞬时错误
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
