package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionHub_PublishSubscribe(t *testing.T) {
	hub := NewSessionHub(4, zap.NewNop())
	events, cancel := hub.Subscribe(context.Background(), "sess-1")
	defer cancel()
	other, cancelOther := hub.Subscribe(context.Background(), "sess-2")
	defer cancelOther()

	ev := OutcomeEvent{RequestID: "r1", SessionRef: "sess-1", Status: StatusApproved}
	require.NoError(t, hub.Publish(context.Background(), ev))

	assert.Equal(t, ev, <-events)
	select {
	case <-other:
		t.Fatal("other session received event")
	default:
	}
}

func TestSessionHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewSessionHub(1, zap.NewNop())
	_, cancel := hub.Subscribe(context.Background(), "sess-1")
	defer cancel()

	ev := OutcomeEvent{RequestID: "r1", SessionRef: "sess-1"}
	require.NoError(t, hub.Publish(context.Background(), ev))

	done := make(chan error, 1)
	go func() { done <- hub.Publish(context.Background(), ev) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriberLagging)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestSessionHub_CancelUnsubscribes(t *testing.T) {
	hub := NewSessionHub(0, zap.NewNop())
	ctx, cancelCtx := context.WithCancel(context.Background())
	events, cancel := hub.Subscribe(ctx, "sess-1")
	assert.Equal(t, 1, hub.Subscribers("sess-1"))

	cancelCtx()
	require.Eventually(t, func() bool { return hub.Subscribers("sess-1") == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-events
	assert.False(t, ok, "取消后通道关闭")
	cancel()
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func TestRedisSessionPublisher_RoundTrip(t *testing.T) {
	_, client := setupTestRedis(t)
	pub := NewRedisSessionPublisher(client, "", zap.NewNop())
	assert.Equal(t, "agentgate:session:sess-1", pub.Channel("sess-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, unsubscribe := pub.Subscribe(ctx, "sess-1")
	defer unsubscribe()

	decided := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)
	ev := OutcomeEvent{
		RequestID:  "r1",
		SessionRef: "sess-1",
		Status:     StatusRejected,
		DecidedBy:  "telegram:42",
		DecidedAt:  decided,
	}
	require.NoError(t, pub.Publish(ctx, ev))

	select {
	case got := <-events:
		assert.Equal(t, ev.RequestID, got.RequestID)
		assert.Equal(t, StatusRejected, got.Status)
		assert.True(t, got.DecidedAt.Equal(decided))
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}

func TestRedisSessionPublisher_PublishError(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()
	pub := NewRedisSessionPublisher(client, "test:", zap.NewNop())

	err := pub.Publish(context.Background(), OutcomeEvent{SessionRef: "sess-1"})
	assert.Error(t, err)
}

func TestProcessor_PublishesToRedis(t *testing.T) {
	_, client := setupTestRedis(t)
	pub := NewRedisSessionPublisher(client, "", zap.NewNop())
	f := newProcessorFixture(t, WithSessionNotifiers(pub))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, unsubscribe := pub.Subscribe(ctx, "sess-r")
	defer unsubscribe()

	req := f.create(t, "sess-r")
	_, err := f.processor.Resolve(ctx, req.ID, OutcomeApproved, "telegram:1")
	require.NoError(t, err)

	select {
	case got := <-events:
		assert.Equal(t, req.ID, got.RequestID)
		assert.Equal(t, StatusApproved, got.Status)
	case <-ctx.Done():
		t.Fatal("event not received over redis")
	}
	assert.Equal(t, 0.0, f.collector.Snapshot().Counters["escalation_session_notify_failures_total"])
}
