package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/BaSui01/agentgate/escalation"

var (
	// ErrInvalidRequest 请求参数不合法
	ErrInvalidRequest = errors.New("invalid approval request")

	// ErrNotPending 请求已是终态
	ErrNotPending = errors.New("approval request is not pending")

	// ErrProcessorClosed 处理器已关闭
	ErrProcessorClosed = errors.New("decision processor closed")
)

// Notifier 将审批请求推送给人工操作员。
// 返回错误仅表示本次派发失败，请求保持待处理。
type Notifier interface {
	Notify(ctx context.Context, req *ApprovalRequest) error
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	DefaultTimeout    time.Duration
	MinTimeout        time.Duration
	MaxTimeout        time.Duration
	AwaitPollInterval time.Duration // Await 兜底轮询间隔
	PublishTimeout    time.Duration // 会话通知超时
}

// DefaultProcessorConfig 返回默认配置
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		DefaultTimeout:    30 * time.Minute,
		MinTimeout:        time.Minute,
		MaxTimeout:        120 * time.Minute,
		AwaitPollInterval: 5 * time.Second,
		PublishTimeout:    5 * time.Second,
	}
}

// ProcessorOption 处理器选项
type ProcessorOption func(*Processor)

// WithClock 注入时钟，用于确定性测试
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.clock = now
		}
	}
}

// WithMetrics 设置指标记录器
func WithMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSessionHub 设置进程内会话分发器
func WithSessionHub(hub *SessionHub) ProcessorOption {
	return func(p *Processor) {
		if hub != nil {
			p.hub = hub
		}
	}
}

// WithSessionNotifiers 追加外部会话通知器
func WithSessionNotifiers(notifiers ...SessionNotifier) ProcessorOption {
	return func(p *Processor) {
		for _, n := range notifiers {
			if n != nil {
				p.notifiers = append(p.notifiers, n)
			}
		}
	}
}

// WithTracer 设置 tracer
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// Processor 审批决策处理器，唯一的状态转换入口
type Processor struct {
	store     Store
	notifier  Notifier
	queue     *Queue
	hub       *SessionHub
	notifiers []SessionNotifier
	metrics   Metrics
	tracer    trace.Tracer
	clock     func() time.Time
	config    ProcessorConfig
	logger    *zap.Logger

	// 异步派发使用与请求无关的上下文，Close 超时时取消
	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup
	closed     atomic.Bool
}

// NewProcessor 创建决策处理器，notifier 为空时只持久化不派发
func NewProcessor(store Store, notifier Notifier, config ProcessorConfig, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}

	def := DefaultProcessorConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.MinTimeout <= 0 {
		config.MinTimeout = def.MinTimeout
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = def.MaxTimeout
	}
	if config.MaxTimeout < config.MinTimeout {
		config.MaxTimeout = config.MinTimeout
	}
	if config.AwaitPollInterval <= 0 {
		config.AwaitPollInterval = def.AwaitPollInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = def.PublishTimeout
	}

	p := &Processor{
		store:    store,
		notifier: notifier,
		metrics:  noopMetrics{},
		tracer:   otel.Tracer(tracerName),
		clock:    time.Now,
		config:   config,
		logger:   logger.With(zap.String("component", "decision_processor")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.hub == nil {
		p.hub = NewSessionHub(0, logger)
	}
	p.queue = NewQueue(store, p.metrics, logger)
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())
	return p
}

// Queue 返回待处理队列视图
func (p *Processor) Queue() *Queue {
	return p.queue
}

// Hub 返回进程内会话分发器
func (p *Processor) Hub() *SessionHub {
	return p.hub
}

// SetNotifier 设置通知器，需在处理请求前调用
func (p *Processor) SetNotifier(n Notifier) {
	p.notifier = n
}

// ClampTimeout 将超时限制在 [MinTimeout, MaxTimeout]，0 表示使用默认值
func (p *Processor) ClampTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		timeout = p.config.DefaultTimeout
	case timeout < p.config.MinTimeout:
		timeout = p.config.MinTimeout
	case timeout > p.config.MaxTimeout:
		timeout = p.config.MaxTimeout
	}
	return timeout
}

// RequestApproval 持久化一条待处理请求并异步派发通知，不等待投递结果
func (p *Processor) RequestApproval(ctx context.Context, sessionRef string, payload Payload, timeout time.Duration) (*ApprovalRequest, error) {
	ctx, span := p.tracer.Start(ctx, "escalation.RequestApproval",
		trace.WithAttributes(attribute.String("session_ref", sessionRef)))
	defer span.End()

	if sessionRef == "" {
		return nil, fmt.Errorf("%w: session_ref is required", ErrInvalidRequest)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("%w: payload command is required", ErrInvalidRequest)
	}
	if p.closed.Load() {
		return nil, ErrProcessorClosed
	}

	now := p.clock().UTC()
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		SessionRef: sessionRef,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  now,
		Deadline:   now.Add(p.ClampTimeout(timeout)),
	}

	id, err := p.store.Insert(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}
	req.ID = id
	span.SetAttributes(attribute.String("request_id", id))

	p.metrics.RecordApprovalInitialized()
	p.queue.Enqueued()

	p.logger.Info("审批请求已创建",
		zap.String("id", id),
		zap.String("session_ref", sessionRef),
		zap.Time("deadline", req.Deadline),
	)

	p.dispatchAsync(req.Clone())
	return req, nil
}

// Resolve 唯一的写路径：以 Pending 为期望状态原子地转换到 outcome 对应的终态。
// 竞争失败返回 ResolveAlreadyResolved，属于正常的幂等空操作。
func (p *Processor) Resolve(ctx context.Context, id string, outcome Outcome, decidedBy string) (ResolveResult, error) {
	ctx, span := p.tracer.Start(ctx, "escalation.Resolve",
		trace.WithAttributes(
			attribute.String("request_id", id),
			attribute.String("outcome", outcome.String()),
		))
	defer span.End()

	next, ok := outcome.Status()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOutcome, int(outcome))
	}

	// 创建时间与会话引用不可变，先读用于指标与通知
	req, err := p.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ResolveNotFound, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return 0, err
	}
	if req.Status.IsTerminal() {
		return ResolveAlreadyResolved, nil
	}

	at := p.clock().UTC()
	applied, err := p.store.TryTransition(ctx, id, StatusPending, next, decidedBy, at)
	if errors.Is(err, ErrNotFound) {
		return ResolveNotFound, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return 0, err
	}
	if !applied {
		p.logger.Debug("请求已被其他决策方处理",
			zap.String("id", id),
			zap.String("outcome", outcome.String()),
		)
		return ResolveAlreadyResolved, nil
	}

	p.metrics.RecordApprovalOutcome(string(next), at.Sub(req.CreatedAt))
	p.queue.Dequeued()

	p.logger.Info("审批请求已决策",
		zap.String("id", id),
		zap.String("status", string(next)),
		zap.String("decided_by", decidedBy),
		zap.Duration("response_time", at.Sub(req.CreatedAt)),
	)

	p.publish(ctx, OutcomeEvent{
		RequestID:  id,
		SessionRef: req.SessionRef,
		Status:     next,
		DecidedBy:  decidedBy,
		DecidedAt:  at,
	})
	return ResolveApplied, nil
}

// publish 通知智能体会话；失败只记录，不回滚已生效的决策
func (p *Processor) publish(ctx context.Context, ev OutcomeEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.PublishTimeout)
	defer cancel()

	targets := make([]SessionNotifier, 0, len(p.notifiers)+1)
	targets = append(targets, p.hub)
	targets = append(targets, p.notifiers...)

	for _, n := range targets {
		if err := n.Publish(ctx, ev); err != nil {
			p.metrics.RecordSessionNotifyFailure()
			p.logger.Warn("会话通知失败",
				zap.String("id", ev.RequestID),
				zap.String("session_ref", ev.SessionRef),
				zap.Error(err),
			)
		}
	}
}

// Redispatch 对仍待处理的请求重新派发通知
func (p *Processor) Redispatch(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return req, fmt.Errorf("%w: %s is %s", ErrNotPending, id, req.Status)
	}
	if p.closed.Load() {
		return nil, ErrProcessorClosed
	}

	p.logger.Info("重新派发审批通知", zap.String("id", id))
	p.dispatchAsync(req)
	return req, nil
}

func (p *Processor) dispatchAsync(req *ApprovalRequest) {
	if p.notifier == nil {
		p.logger.Warn("未配置通知渠道，请求仅能通过人工干预或超时处理", zap.String("id", req.ID))
		return
	}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("通知派发 panic", zap.String("id", req.ID), zap.Any("panic", r))
			}
		}()
		p.dispatch(p.baseCtx, req)
	}()
}

func (p *Processor) dispatch(ctx context.Context, req *ApprovalRequest) {
	ctx, span := p.tracer.Start(ctx, "escalation.Dispatch",
		trace.WithAttributes(attribute.String("request_id", req.ID)))
	defer span.End()

	if err := p.notifier.Notify(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "notify failed")
		p.logger.Warn("审批通知派发失败，请求保持待处理",
			zap.String("id", req.ID),
			zap.Error(err),
		)
	}
}

// Get 读取请求
func (p *Processor) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	return p.store.Get(ctx, id)
}

// ListPending 列出待处理请求
func (p *Processor) ListPending(ctx context.Context, limit int) ([]*ApprovalRequest, error) {
	return p.queue.Pending(ctx, limit)
}

// Await 阻塞直到请求进入终态或 ctx 结束。
// ctx 结束时返回最后读到的记录与 ctx 错误。
func (p *Processor) Await(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return req, nil
	}

	events, cancel := p.hub.Subscribe(ctx, req.SessionRef)
	defer cancel()

	// 订阅之后重读，避免错过订阅前已发布的结果
	if req, err = p.store.Get(ctx, id); err != nil || req.Status.IsTerminal() {
		return req, err
	}

	// 其他实例上的决策不会经过本地 hub，兜底轮询
	ticker := time.NewTicker(p.config.AwaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return req, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return req, ctx.Err()
			}
			if ev.RequestID != id {
				continue
			}
		case <-ticker.C:
		}

		latest, err := p.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return req, ctx.Err()
			}
			return nil, err
		}
		req = latest
		if req.Status.IsTerminal() {
			return req, nil
		}
	}
}

// Close 停止接收新请求并等待进行中的派发完成。
// ctx 结束时取消仍在重试的派发。
func (p *Processor) Close(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.baseCancel()
		return nil
	case <-ctx.Done():
		p.baseCancel()
		<-done
		return ctx.Err()
	}
}
