package notification

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/resilience/retry"
)

// Decision 操作员对审批请求的决策
type Decision struct {
	RequestID string
	Outcome   escalation.Outcome
	UserID    string
	Channel   string
}

// DecidedBy 返回写入存储的决策方标识，形如 telegram:<user_id>
func (d Decision) DecidedBy() string {
	if d.UserID == "" {
		return d.Channel
	}
	return d.Channel + ":" + d.UserID
}

// DecisionHandler 处理操作员决策，通常转交 Processor.Resolve
type DecisionHandler func(ctx context.Context, d Decision) (escalation.ResolveResult, error)

// Channel 外部消息渠道
type Channel interface {
	// Name 渠道名称
	Name() string

	// Send 推送审批请求，与决策回调无关联
	Send(ctx context.Context, req *escalation.ApprovalRequest) error

	// OnDecision 注册决策回调，决策异步到达
	OnDecision(handler DecisionHandler)
}

// IsTransient 判断发送错误是否值得重试：网络错误、超时、429 与 5xx
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if retry.IsTransient(err) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
