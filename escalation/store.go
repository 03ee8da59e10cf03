package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 审批请求不存在
	ErrNotFound = errors.New("approval request not found")

	// ErrStorageUnavailable 存储不可用，调用方不能假定操作成功
	ErrStorageUnavailable = errors.New("approval store unavailable")

	// ErrInvalidTransition 目标状态不是终态
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store 审批请求存储
type Store interface {
	// Insert 插入一条新请求，ID 为空时自动生成
	Insert(ctx context.Context, req *ApprovalRequest) (string, error)

	// Get 按 ID 读取，不存在时返回 ErrNotFound
	Get(ctx context.Context, id string) (*ApprovalRequest, error)

	// TryTransition 以期望状态为条件原子地转换到终态。
	// 当前状态不等于 expected 时返回 false；记录不存在时返回 ErrNotFound。
	TryTransition(ctx context.Context, id string, expected, next Status, decidedBy string, at time.Time) (bool, error)

	// ListExpired 返回 deadline 早于 now 的待处理请求，按 deadline 升序
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error)

	// ListPending 返回待处理请求，按创建时间升序
	ListPending(ctx context.Context, limit int) ([]*ApprovalRequest, error)

	// CountPending 统计待处理请求数
	CountPending(ctx context.Context) (int64, error)

	// IncrementAttempts 累加通知尝试次数，仅对待处理请求生效
	IncrementAttempts(ctx context.Context, id string) error
}

func validateTransition(next Status) error {
	if !next.IsTerminal() {
		return fmt.Errorf("%w: target %q is not terminal", ErrInvalidTransition, next)
	}
	return nil
}

// MemoryStore 基于内存的 Store 实现，用于测试与单实例部署
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ApprovalRequest
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ApprovalRequest),
	}
}

// Insert 实现 Store.Insert
func (s *MemoryStore) Insert(ctx context.Context, req *ApprovalRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec := req.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return "", fmt.Errorf("approval request already exists: %s", rec.ID)
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// Get 实现 Store.Get
func (s *MemoryStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// TryTransition 实现 Store.TryTransition
func (s *MemoryStore) TryTransition(ctx context.Context, id string, expected, next Status, decidedBy string, at time.Time) (bool, error) {
	if err := validateTransition(next); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Status != expected {
		return false, nil
	}

	decidedAt := at
	rec.Status = next
	rec.DecidedAt = &decidedAt
	rec.DecidedBy = decidedBy
	return true, nil
}

// ListExpired 实现 Store.ListExpired
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	result, err := s.filter(ctx, func(r *ApprovalRequest) bool { return r.Expired(now) })
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	return truncate(result, limit), nil
}

// ListPending 实现 Store.ListPending
func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]*ApprovalRequest, error) {
	result, err := s.filter(ctx, func(r *ApprovalRequest) bool { return r.Status == StatusPending })
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

// CountPending 实现 Store.CountPending
func (s *MemoryStore) CountPending(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.records {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

// IncrementAttempts 实现 Store.IncrementAttempts
func (s *MemoryStore) IncrementAttempts(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok && rec.Status == StatusPending {
		rec.NotificationAttempts++
	}
	return nil
}

func (s *MemoryStore) filter(ctx context.Context, keep func(*ApprovalRequest) bool) ([]*ApprovalRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*ApprovalRequest
	for _, r := range s.records {
		if keep(r) {
			result = append(result, r.Clone())
		}
	}
	return result, nil
}

func truncate(list []*ApprovalRequest, limit int) []*ApprovalRequest {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
