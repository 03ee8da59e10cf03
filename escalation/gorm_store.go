package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// approvalRecord approval_requests 表映射
type approvalRecord struct {
	ID                   string            `gorm:"primaryKey;size:36"`
	SessionRef           string            `gorm:"size:255;index;not null"`
	Command              string            `gorm:"type:text"`
	Target               string            `gorm:"type:text"`
	RiskSummary          string            `gorm:"type:text"`
	Metadata             map[string]string `gorm:"serializer:json;type:text"`
	Status               string            `gorm:"size:16;not null;index:idx_approval_status_deadline,priority:1"`
	CreatedAt            time.Time         `gorm:"not null"`
	Deadline             time.Time         `gorm:"not null;index:idx_approval_status_deadline,priority:2"`
	DecidedAt            *time.Time
	DecidedBy            string `gorm:"size:255"`
	NotificationAttempts int    `gorm:"not null;default:0"`
}

// TableName 指定表名
func (approvalRecord) TableName() string {
	return "approval_requests"
}

func toRecord(r *ApprovalRequest) *approvalRecord {
	rec := &approvalRecord{
		ID:                   r.ID,
		SessionRef:           r.SessionRef,
		Command:              r.Payload.Command,
		Target:               r.Payload.Target,
		RiskSummary:          r.Payload.RiskSummary,
		Metadata:             r.Payload.Metadata,
		Status:               string(r.Status),
		CreatedAt:            r.CreatedAt.UTC(),
		Deadline:             r.Deadline.UTC(),
		DecidedBy:            r.DecidedBy,
		NotificationAttempts: r.NotificationAttempts,
	}
	if r.DecidedAt != nil {
		t := r.DecidedAt.UTC()
		rec.DecidedAt = &t
	}
	return rec
}

func (rec *approvalRecord) toRequest() *ApprovalRequest {
	r := &ApprovalRequest{
		ID:         rec.ID,
		SessionRef: rec.SessionRef,
		Payload: Payload{
			Command:     rec.Command,
			Target:      rec.Target,
			RiskSummary: rec.RiskSummary,
			Metadata:    rec.Metadata,
		},
		Status:               Status(rec.Status),
		CreatedAt:            rec.CreatedAt,
		Deadline:             rec.Deadline,
		DecidedBy:            rec.DecidedBy,
		NotificationAttempts: rec.NotificationAttempts,
	}
	if rec.DecidedAt != nil {
		t := *rec.DecidedAt
		r.DecidedAt = &t
	}
	return r
}

// Models 返回需要迁移的表模型
func Models() []any {
	return []any{&approvalRecord{}}
}

// GormStore 基于 gorm 的 Store 实现
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "approval_store")),
	}
}

// unavailable 将驱动错误包装为 ErrStorageUnavailable，同时保留原始错误链
func (s *GormStore) unavailable(op string, err error) error {
	s.logger.Error("审批存储操作失败", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// Insert 实现 Store.Insert
func (s *GormStore) Insert(ctx context.Context, req *ApprovalRequest) (string, error) {
	rec := toRecord(req)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = string(StatusPending)
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", s.unavailable("insert", err)
	}
	return rec.ID, nil
}

// Get 实现 Store.Get
func (s *GormStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	var rec approvalRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, s.unavailable("get", err)
	}
	return rec.toRequest(), nil
}

// TryTransition 实现 Store.TryTransition。
// 单条带期望状态的条件 UPDATE，受影响行数为 1 即转换成功。
func (s *GormStore) TryTransition(ctx context.Context, id string, expected, next Status, decidedBy string, at time.Time) (bool, error) {
	if err := validateTransition(next); err != nil {
		return false, err
	}

	result := s.db.WithContext(ctx).
		Model(&approvalRecord{}).
		Where("id = ? AND status = ?", id, string(expected)).
		Updates(map[string]any{
			"status":     string(next),
			"decided_at": at.UTC(),
			"decided_by": decidedBy,
		})
	if result.Error != nil {
		return false, s.unavailable("transition", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	// 未命中：区分不存在与已是终态
	var count int64
	if err := s.db.WithContext(ctx).Model(&approvalRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, s.unavailable("transition", err)
	}
	if count == 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return false, nil
}

// ListExpired 实现 Store.ListExpired
func (s *GormStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND deadline < ?", string(StatusPending), now.UTC()).
		Order("deadline ASC")
	return s.list(query, limit, "list_expired")
}

// ListPending 实现 Store.ListPending
func (s *GormStore) ListPending(ctx context.Context, limit int) ([]*ApprovalRequest, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", string(StatusPending)).
		Order("created_at ASC")
	return s.list(query, limit, "list_pending")
}

func (s *GormStore) list(query *gorm.DB, limit int, op string) ([]*ApprovalRequest, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}
	var recs []approvalRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, s.unavailable(op, err)
	}
	result := make([]*ApprovalRequest, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toRequest())
	}
	return result, nil
}

// CountPending 实现 Store.CountPending
func (s *GormStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&approvalRecord{}).
		Where("status = ?", string(StatusPending)).
		Count(&count).Error
	if err != nil {
		return 0, s.unavailable("count_pending", err)
	}
	return count, nil
}

// IncrementAttempts 实现 Store.IncrementAttempts
func (s *GormStore) IncrementAttempts(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&approvalRecord{}).
		Where("id = ? AND status = ?", id, string(StatusPending)).
		UpdateColumn("notification_attempts", gorm.Expr("notification_attempts + ?", 1)).Error
	if err != nil {
		return s.unavailable("increment_attempts", err)
	}
	return nil
}
