package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status 审批请求状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 是否为终态
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Outcome 审批结果，封闭枚举
type Outcome int

const (
	OutcomeApproved Outcome = iota + 1
	OutcomeRejected
	OutcomeTimedOut
	OutcomeCancelled
)

// ErrInvalidOutcome 未知的审批结果
var ErrInvalidOutcome = errors.New("invalid approval outcome")

// Status 返回结果对应的终态
func (o Outcome) Status() (Status, bool) {
	switch o {
	case OutcomeApproved:
		return StatusApproved, true
	case OutcomeRejected:
		return StatusRejected, true
	case OutcomeTimedOut:
		return StatusTimedOut, true
	case OutcomeCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

func (o Outcome) String() string {
	if s, ok := o.Status(); ok {
		return string(s)
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ParseOutcome 解析外部输入的审批结果
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "accept", "accepted":
		return OutcomeApproved, nil
	case "reject", "rejected", "deny", "denied":
		return OutcomeRejected, nil
	case "timeout", "timed_out":
		return OutcomeTimedOut, nil
	case "cancel", "cancelled", "canceled":
		return OutcomeCancelled, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// ResolveResult Resolve 的结果
type ResolveResult int

const (
	ResolveApplied ResolveResult = iota + 1
	ResolveAlreadyResolved
	ResolveNotFound
)

func (r ResolveResult) String() string {
	switch r {
	case ResolveApplied:
		return "applied"
	case ResolveAlreadyResolved:
		return "already_resolved"
	case ResolveNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// MarshalText 以字符串形式序列化
func (r ResolveResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Payload 待审批操作的描述，网关不解释其内容，仅展示给操作员
type Payload struct {
	Command     string            `json:"command"`
	Target      string            `json:"target,omitempty"`
	RiskSummary string            `json:"risk_summary,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ApprovalRequest 审批请求
type ApprovalRequest struct {
	ID                   string     `json:"id"`
	SessionRef           string     `json:"session_ref"`
	Payload              Payload    `json:"payload"`
	Status               Status     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	Deadline             time.Time  `json:"deadline"`
	DecidedAt            *time.Time `json:"decided_at,omitempty"`
	DecidedBy            string     `json:"decided_by,omitempty"`
	NotificationAttempts int        `json:"notification_attempts"`
}

// Clone 深拷贝
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	if r.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(r.Payload.Metadata))
		for k, v := range r.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	return &c
}

// Expired 在 now 时刻是否已过期且仍待处理
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.Deadline.Before(now)
}

// OutcomeEvent 推送给智能体会话的终态结果
type OutcomeEvent struct {
	RequestID  string    `json:"request_id"`
	SessionRef string    `json:"session_ref"`
	Status     Status    `json:"status"`
	DecidedBy  string    `json:"decided_by"`
	DecidedAt  time.Time `json:"decided_at"`
}

// 保留给系统决策方的标识
const (
	DecidedByTimeoutMonitor = "timeout-monitor"
	ManualOverridePrefix    = "manual-override"
)

// ManualOverride 构造人工干预的决策方标识
func ManualOverride(who string) string {
	if who == "" {
		return ManualOverridePrefix
	}
	return ManualOverridePrefix + ":" + who
}
