package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSessionChannelPrefix Redis 频道前缀
const DefaultSessionChannelPrefix = "agentgate:session:"

// RedisSessionPublisher 通过 Redis PUBLISH 将终态结果路由给其他主机上的智能体进程
type RedisSessionPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisSessionPublisher 创建 Redis 会话发布器
func NewRedisSessionPublisher(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisSessionPublisher {
	if prefix == "" {
		prefix = DefaultSessionChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSessionPublisher{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_session")),
	}
}

// Channel 返回会话对应的 Redis 频道名
func (p *RedisSessionPublisher) Channel(sessionRef string) string {
	return p.prefix + sessionRef
}

// Publish 实现 SessionNotifier
func (p *RedisSessionPublisher) Publish(ctx context.Context, ev OutcomeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(ev.SessionRef), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe 实现 SessionSubscriber，ctx 结束或调用取消函数时关闭订阅
func (p *RedisSessionPublisher) Subscribe(ctx context.Context, sessionRef string) (<-chan OutcomeEvent, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := p.client.Subscribe(ctx, p.Channel(sessionRef))
	out := make(chan OutcomeEvent, 16)

	// 等待订阅确认，之后发布的事件不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		p.logger.Warn("会话订阅失败", zap.String("session_ref", sessionRef), zap.Error(err))
	}

	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev OutcomeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.logger.Warn("无法解析会话事件", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}
