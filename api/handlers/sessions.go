package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/types"
)

// SessionFrame websocket 下行帧
type SessionFrame struct {
	Type  string                   `json:"type"` // ready / outcome
	Event *escalation.OutcomeEvent `json:"event,omitempty"`
}

// SessionHandler 通过 websocket 向智能体会话推送终态结果
type SessionHandler struct {
	subscriber     escalation.SessionSubscriber
	originPatterns []string
	pingInterval   time.Duration
	logger         *zap.Logger
}

// NewSessionHandler 创建会话事件处理器；originPatterns 为空时只允许同源
func NewSessionHandler(subscriber escalation.SessionSubscriber, originPatterns []string, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		subscriber:     subscriber,
		originPatterns: originPatterns,
		pingInterval:   30 * time.Second,
		logger:         logger.With(zap.String("component", "session_ws")),
	}
}

// HandleEvents GET /api/v1/sessions/{ref}/events
func (h *SessionHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if ref == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "session ref is required", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket 升级失败", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 只推送，不接收上行消息；对端关闭时 ctx 被取消
	ctx := conn.CloseRead(r.Context())

	events, cancel := h.subscriber.Subscribe(ctx, ref)
	defer cancel()

	if err := h.write(ctx, conn, SessionFrame{Type: "ready"}); err != nil {
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if err := h.write(ctx, conn, SessionFrame{Type: "outcome", Event: &ev}); err != nil {
				h.logger.Debug("写入会话事件失败", zap.String("session_ref", ref), zap.Error(err))
				return
			}
		}
	}
}

func (h *SessionHandler) write(ctx context.Context, conn *websocket.Conn, frame SessionFrame) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
