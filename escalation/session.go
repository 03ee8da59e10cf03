package escalation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// SessionNotifier 将终态结果推送给智能体会话
type SessionNotifier interface {
	Publish(ctx context.Context, ev OutcomeEvent) error
}

// SessionSubscriber 订阅某个会话的终态结果
type SessionSubscriber interface {
	Subscribe(ctx context.Context, sessionRef string) (<-chan OutcomeEvent, func())
}

// ErrSubscriberLagging 订阅方缓冲区已满，事件被丢弃
var ErrSubscriberLagging = errors.New("session subscriber lagging, event dropped")

// SessionHub 进程内按会话分发终态结果。
// 发布从不阻塞，缓冲区满的订阅方会丢失事件。
type SessionHub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan OutcomeEvent
	nextID uint64
	buffer int
	logger *zap.Logger
}

// NewSessionHub 创建会话分发器
func NewSessionHub(buffer int, logger *zap.Logger) *SessionHub {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHub{
		subs:   make(map[string]map[uint64]chan OutcomeEvent),
		buffer: buffer,
		logger: logger.With(zap.String("component", "session_hub")),
	}
}

// Subscribe 订阅会话事件，返回事件通道与取消函数。
// ctx 结束时自动取消订阅。
func (h *SessionHub) Subscribe(ctx context.Context, sessionRef string) (<-chan OutcomeEvent, func()) {
	ch := make(chan OutcomeEvent, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[sessionRef] == nil {
		h.subs[sessionRef] = make(map[uint64]chan OutcomeEvent)
	}
	h.subs[sessionRef][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subs[sessionRef]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.subs, sessionRef)
				}
			}
			close(ch)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Publish 实现 SessionNotifier
func (h *SessionHub) Publish(_ context.Context, ev OutcomeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for _, ch := range h.subs[ev.SessionRef] {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		h.logger.Warn("会话订阅方处理过慢，事件被丢弃",
			zap.String("session_ref", ev.SessionRef),
			zap.String("request_id", ev.RequestID),
			zap.Int("dropped", dropped),
		)
		return ErrSubscriberLagging
	}
	return nil
}

// Subscribers 返回某会话的订阅数
func (h *SessionHub) Subscribers(sessionRef string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionRef])
}
