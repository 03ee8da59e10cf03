package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/ctxkeys"
	"github.com/BaSui01/agentgate/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// CreateApprovalRequest POST /api/v1/approvals 请求体
type CreateApprovalRequest struct {
	SessionRef     string            `json:"session_ref"`
	Command        string            `json:"command"`
	Target         string            `json:"target,omitempty"`
	RiskSummary    string            `json:"risk_summary,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 使用默认值，超出范围被夹紧
}

// CreateApprovalResponse 创建结果
type CreateApprovalResponse struct {
	ID       string            `json:"id"`
	Status   escalation.Status `json:"status"`
	Deadline time.Time         `json:"deadline"`
}

// ResolveApprovalRequest 人工覆盖请求体
type ResolveApprovalRequest struct {
	Outcome   string `json:"outcome"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ResolveApprovalResponse 决策结果
type ResolveApprovalResponse struct {
	Result  escalation.ResolveResult    `json:"result"`
	Request *escalation.ApprovalRequest `json:"request,omitempty"`
}

// AwaitResponse 长轮询结果，Terminal 为 false 表示等待超时
type AwaitResponse struct {
	Terminal bool                        `json:"terminal"`
	Request  *escalation.ApprovalRequest `json:"request"`
}

// ApprovalHandler 审批请求 REST 接口
type ApprovalHandler struct {
	processor *escalation.Processor
	maxAwait  time.Duration
	logger    *zap.Logger
}

// NewApprovalHandler 创建审批接口处理器；maxAwait 限制单次 await 的等待时长
func NewApprovalHandler(processor *escalation.Processor, maxAwait time.Duration, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAwait <= 0 {
		maxAwait = 90 * time.Second
	}
	return &ApprovalHandler{
		processor: processor,
		maxAwait:  maxAwait,
		logger:    logger.With(zap.String("component", "approval_handler")),
	}
}

// HandleCreate POST /api/v1/approvals
func (h *ApprovalHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateApprovalRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.TimeoutSeconds < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "timeout_seconds must not be negative", h.logger)
		return
	}

	req, err := h.processor.RequestApproval(r.Context(), strings.TrimSpace(body.SessionRef), escalation.Payload{
		Command:     body.Command,
		Target:      body.Target,
		RiskSummary: body.RiskSummary,
		Metadata:    body.Metadata,
	}, time.Duration(body.TimeoutSeconds)*time.Second)
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}

	WriteStatus(w, http.StatusAccepted, CreateApprovalResponse{
		ID:       req.ID,
		Status:   req.Status,
		Deadline: req.Deadline,
	})
}

// HandleGet GET /api/v1/approvals/{id}
func (h *ApprovalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.processor.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}
	WriteSuccess(w, req)
}

// HandleList GET /api/v1/approvals?limit=
func (h *ApprovalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, maxListLimit)
	}

	pending, err := h.processor.ListPending(r.Context(), limit)
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}
	if pending == nil {
		pending = []*escalation.ApprovalRequest{}
	}
	WriteSuccess(w, pending)
}

// HandleResolve POST /api/v1/approvals/{id}/resolve，人工覆盖
func (h *ApprovalHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveApprovalRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	outcome, err := escalation.ParseOutcome(body.Outcome)
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}

	// 已认证身份优先于请求体中的 decided_by
	who := strings.TrimSpace(body.DecidedBy)
	if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok {
		who = p.Subject
	}
	decidedBy := escalation.ManualOverride(who)

	id := r.PathValue("id")
	result, err := h.processor.Resolve(r.Context(), id, outcome, decidedBy)
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}
	if result == escalation.ResolveNotFound {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "approval request not found", h.logger)
		return
	}

	h.logger.Info("人工覆盖",
		zap.String("id", id),
		zap.String("outcome", outcome.String()),
		zap.String("decided_by", decidedBy),
		zap.Stringer("result", result),
	)

	resp := ResolveApprovalResponse{Result: result}
	if req, err := h.processor.Get(r.Context(), id); err == nil {
		resp.Request = req
	}
	WriteSuccess(w, resp)
}

// HandleRedispatch POST /api/v1/approvals/{id}/redispatch
func (h *ApprovalHandler) HandleRedispatch(w http.ResponseWriter, r *http.Request) {
	req, err := h.processor.Redispatch(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, toAPIError(err), h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, req)
}

// HandleAwait GET /api/v1/approvals/{id}/await?timeout=30s
func (h *ApprovalHandler) HandleAwait(w http.ResponseWriter, r *http.Request) {
	wait := h.maxAwait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "timeout must be a positive duration", h.logger)
			return
		}
		wait = min(d, h.maxAwait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	req, err := h.processor.Await(ctx, r.PathValue("id"))
	switch {
	case err == nil:
		WriteSuccess(w, AwaitResponse{Terminal: true, Request: req})
	case errors.Is(err, context.DeadlineExceeded) && req != nil:
		WriteSuccess(w, AwaitResponse{Terminal: false, Request: req})
	case r.Context().Err() != nil:
		// 客户端已断开
		return
	default:
		WriteError(w, toAPIError(err), h.logger)
	}
}
