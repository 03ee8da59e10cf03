package notification

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/tlsutil"
	"github.com/BaSui01/agentgate/resilience/retry"
)

const (
	// DefaultTelegramBaseURL Telegram Bot API 地址
	DefaultTelegramBaseURL = "https://api.telegram.org"

	// SecretTokenHeader webhook 请求携带的密钥头
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	callbackApprove = "approve"
	callbackReject  = "reject"

	maxMessageLength = 4096
)

// TelegramConfig Telegram 渠道配置
type TelegramConfig struct {
	Token          string
	ChatID         string
	BaseURL        string
	WebhookSecret  string
	AllowedUsers   []int64 // 为空时不限制操作员
	RequestTimeout time.Duration
	PollTimeout    time.Duration
}

// APIError Telegram Bot API 返回的错误
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.StatusCode, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Transient 429 与 5xx 可重试，其余 4xx 为永久错误
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Telegram API 数据结构，仅保留用到的字段
type (
	apiResponse struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Description string          `json:"description,omitempty"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after,omitempty"`
		} `json:"parameters,omitempty"`
	}

	inlineKeyboardButton struct {
		Text         string `json:"text"`
		CallbackData string `json:"callback_data"`
	}

	inlineKeyboardMarkup struct {
		InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
	}

	sendMessageRequest struct {
		ChatID      string                `json:"chat_id"`
		Text        string                `json:"text"`
		ReplyMarkup *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
	}

	answerCallbackRequest struct {
		CallbackQueryID string `json:"callback_query_id"`
		Text            string `json:"text,omitempty"`
	}

	getUpdatesRequest struct {
		Offset         int64    `json:"offset,omitempty"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}

	setWebhookRequest struct {
		URL            string   `json:"url"`
		SecretToken    string   `json:"secret_token,omitempty"`
		AllowedUpdates []string `json:"allowed_updates"`
	}

	// Update 入站更新
	Update struct {
		UpdateID      int64          `json:"update_id"`
		CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	}

	// CallbackQuery 内联键盘回调
	CallbackQuery struct {
		ID      string   `json:"id"`
		From    User     `json:"from"`
		Message *Message `json:"message,omitempty"`
		Data    string   `json:"data"`
	}

	// User Telegram 用户
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username,omitempty"`
	}

	// Message Telegram 消息
	Message struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	}
)

// TelegramChannel 基于 Telegram Bot API 的审批渠道
type TelegramChannel struct {
	config TelegramConfig
	client *http.Client
	logger *zap.Logger

	mu       sync.RWMutex
	handlers []DecisionHandler
	offset   int64
}

// NewTelegramChannel 创建 Telegram 渠道，client 为空时使用 tlsutil 的加固客户端
func NewTelegramChannel(config TelegramConfig, client *http.Client, logger *zap.Logger) (*TelegramChannel, error) {
	if strings.TrimSpace(config.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	if strings.TrimSpace(config.ChatID) == "" {
		return nil, errors.New("telegram chat id is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultTelegramBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}
	if client == nil {
		client = tlsutil.HTTPClient()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TelegramChannel{
		config: config,
		client: client,
		logger: logger.With(zap.String("component", "telegram")),
	}, nil
}

// Name 实现 Channel
func (c *TelegramChannel) Name() string {
	return "telegram"
}

// OnDecision 实现 Channel
func (c *TelegramChannel) OnDecision(handler DecisionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Send 实现 Channel，发送带批准/拒绝内联键盘的消息
func (c *TelegramChannel) Send(ctx context.Context, req *escalation.ApprovalRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	body := sendMessageRequest{
		ChatID: c.config.ChatID,
		Text:   renderMessage(req),
		ReplyMarkup: &inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineKeyboardButton{{
				{Text: "✅ 批准", CallbackData: callbackApprove + ":" + req.ID},
				{Text: "❌ 拒绝", CallbackData: callbackReject + ":" + req.ID},
			}},
		},
	}
	return c.call(ctx, "sendMessage", body, nil)
}

func renderMessage(req *escalation.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 审批请求 %s\n", req.ID)
	fmt.Fprintf(&b, "会话: %s\n", req.SessionRef)
	fmt.Fprintf(&b, "命令: %s\n", req.Payload.Command)
	if req.Payload.Target != "" {
		fmt.Fprintf(&b, "目标: %s\n", req.Payload.Target)
	}
	if req.Payload.RiskSummary != "" {
		fmt.Fprintf(&b, "风险: %s\n", req.Payload.RiskSummary)
	}
	fmt.Fprintf(&b, "截止: %s", req.Deadline.UTC().Format(time.RFC3339))

	text := b.String()
	if len(text) > maxMessageLength {
		// 按 rune 截断，避免切断多字节字符
		runes := []rune(text)
		if len(runes) > maxMessageLength-1 {
			text = string(runes[:maxMessageLength-1]) + "…"
		}
	}
	return text
}

// call 调用 Bot API 方法；网络错误标记为瞬时错误
func (c *TelegramChannel) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, c.config.Token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// url.Error 中包含带 token 的地址，不直接暴露
		return retry.MarkTransient(fmt.Errorf("telegram %s: request failed: %w", method, redact(err, c.config.Token)))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return retry.MarkTransient(fmt.Errorf("telegram %s: read body: %w", method, err))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil || resp.StatusCode >= 400 || !apiResp.OK {
		apiErr := &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			Description: apiResp.Description,
		}
		if apiErr.Description == "" {
			apiErr.Description = strings.TrimSpace(string(raw))
		}
		if apiResp.Parameters != nil && apiResp.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(apiResp.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), cause: err}
}

// =============================================================================
// 入站决策
// =============================================================================

// WebhookHandler 返回接收 Telegram 推送更新的 Handler
func (c *TelegramChannel) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// 未配置密钥时拒绝所有推送，webhook 不能无认证地接受决策
		if c.config.WebhookSecret == "" {
			c.logger.Warn("webhook 未配置密钥，拒绝请求", zap.String("remote_addr", r.RemoteAddr))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(c.config.WebhookSecret)) != 1 {
			c.logger.Warn("webhook 密钥校验失败", zap.String("remote_addr", r.RemoteAddr))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var upd Update
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&upd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		c.HandleUpdate(r.Context(), upd)
		w.WriteHeader(http.StatusOK)
	})
}

// HandleUpdate 处理一条入站更新，非回调更新被忽略
func (c *TelegramChannel) HandleUpdate(ctx context.Context, upd Update) {
	cb := upd.CallbackQuery
	if cb == nil {
		return
	}

	decision, err := c.parseCallback(cb)
	if err != nil {
		c.logger.Warn("忽略无效回调", zap.String("data", cb.Data), zap.Error(err))
		c.answer(ctx, cb.ID, "无效的操作")
		return
	}

	c.mu.RLock()
	handlers := append([]DecisionHandler(nil), c.handlers...)
	c.mu.RUnlock()

	reply := "已处理"
	for _, h := range handlers {
		result, err := h(ctx, decision)
		if err != nil {
			c.logger.Error("决策处理失败",
				zap.String("request_id", decision.RequestID),
				zap.Error(err),
			)
			reply = "处理失败，请稍后重试"
			continue
		}
		reply = replyText(decision.Outcome, result)
	}

	c.logger.Info("收到操作员决策",
		zap.String("request_id", decision.RequestID),
		zap.String("outcome", decision.Outcome.String()),
		zap.String("user_id", decision.UserID),
	)
	c.answer(ctx, cb.ID, reply)
}

func replyText(outcome escalation.Outcome, result escalation.ResolveResult) string {
	switch result {
	case escalation.ResolveApplied:
		if outcome == escalation.OutcomeApproved {
			return "已批准"
		}
		return "已拒绝"
	case escalation.ResolveAlreadyResolved:
		return "该请求已被处理"
	case escalation.ResolveNotFound:
		return "请求不存在"
	default:
		return "已处理"
	}
}

// errUnauthorizedOperator 回调来自未授权的用户或会话
var errUnauthorizedOperator = errors.New("operator not allowed")

func (c *TelegramChannel) parseCallback(cb *CallbackQuery) (Decision, error) {
	if !c.allowed(cb) {
		return Decision{}, errUnauthorizedOperator
	}

	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok || id == "" {
		return Decision{}, fmt.Errorf("malformed callback data")
	}

	var outcome escalation.Outcome
	switch action {
	case callbackApprove:
		outcome = escalation.OutcomeApproved
	case callbackReject:
		outcome = escalation.OutcomeRejected
	default:
		return Decision{}, fmt.Errorf("unknown action %q", action)
	}

	return Decision{
		RequestID: id,
		Outcome:   outcome,
		UserID:    strconv.FormatInt(cb.From.ID, 10),
		Channel:   c.Name(),
	}, nil
}

func (c *TelegramChannel) allowed(cb *CallbackQuery) bool {
	// 数字 chat id 时要求回调来自同一会话，缺少 message 视为不可信
	if chatID, err := strconv.ParseInt(c.config.ChatID, 10, 64); err == nil {
		if cb.Message == nil || cb.Message.Chat.ID != chatID {
			return false
		}
	}
	if len(c.config.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.config.AllowedUsers {
		if id == cb.From.ID {
			return true
		}
	}
	return false
}

// answer 应答回调查询，尽力而为
func (c *TelegramChannel) answer(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.RequestTimeout)
	defer cancel()

	err := c.call(ctx, "answerCallbackQuery", answerCallbackRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
	if err != nil {
		c.logger.Debug("应答回调失败", zap.Error(err))
	}
}

// Poll 以长轮询方式拉取更新，直到 ctx 结束
func (c *TelegramChannel) Poll(ctx context.Context) error {
	c.logger.Info("开始长轮询 Telegram 更新", zap.Duration("poll_timeout", c.config.PollTimeout))

	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("拉取更新失败", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, upd := range updates {
			c.HandleUpdate(ctx, upd)
			c.mu.Lock()
			if upd.UpdateID >= c.offset {
				c.offset = upd.UpdateID + 1
			}
			c.mu.Unlock()
		}
	}
}

func (c *TelegramChannel) getUpdates(ctx context.Context) ([]Update, error) {
	c.mu.RLock()
	offset := c.offset
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.config.PollTimeout+c.config.RequestTimeout)
	defer cancel()

	var updates []Update
	err := c.call(ctx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(c.config.PollTimeout / time.Second),
		AllowedUpdates: []string{"callback_query"},
	}, &updates)
	return updates, err
}

// SetWebhook 注册 webhook 地址
func (c *TelegramChannel) SetWebhook(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	return c.call(ctx, "setWebhook", setWebhookRequest{
		URL:            url,
		SecretToken:    c.config.WebhookSecret,
		AllowedUpdates: []string{"callback_query"},
	}, nil)
}

// DeleteWebhook 移除 webhook，长轮询前需要调用
func (c *TelegramChannel) DeleteWebhook(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}
