package escalation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Queue 基于 Store 的逻辑待处理队列。
// 队列本身不持有数据，入队/出队只维护计数与队列长度 gauge。
type Queue struct {
	store   Store
	metrics Metrics
	logger  *zap.Logger
}

// NewQueue 创建队列视图
func NewQueue(store Store, metrics Metrics, logger *zap.Logger) *Queue {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:   store,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "escalation_queue")),
	}
}

// Enqueued 记录一个新的待处理请求
func (q *Queue) Enqueued() {
	q.metrics.RecordEnqueue()
}

// Dequeued 记录一个请求进入终态
func (q *Queue) Dequeued() {
	q.metrics.RecordDequeue()
}

// Size 返回存储中的待处理数量
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.CountPending(ctx)
}

// Sync 以存储中的实际待处理数量校准 gauge，启动时调用
func (q *Queue) Sync(ctx context.Context) error {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return err
	}
	q.metrics.SetQueueSize(n)
	q.logger.Info("队列长度已同步", zap.Int64("pending", n))
	return nil
}

// Pending 列出待处理请求
func (q *Queue) Pending(ctx context.Context, limit int) ([]*ApprovalRequest, error) {
	return q.store.ListPending(ctx, limit)
}

// Expired 列出已过期的待处理请求
func (q *Queue) Expired(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	return q.store.ListExpired(ctx, now, limit)
}
