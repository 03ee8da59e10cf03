package escalation

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier 记录派发的请求
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	sent  chan string
	fn    func(ctx context.Context, req *ApprovalRequest) error
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(chan string, 64)}
}

func (n *recordingNotifier) Notify(ctx context.Context, req *ApprovalRequest) error {
	n.mu.Lock()
	n.calls = append(n.calls, req.ID)
	n.mu.Unlock()

	var err error
	if n.fn != nil {
		err = n.fn(ctx, req)
	}
	n.sent <- req.ID
	return err
}

func (n *recordingNotifier) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// failingStore 在指定操作上返回存储不可用
type failingStore struct {
	Store
	failInsert     bool
	failTransition bool
	failList       bool
}

var errDown = errors.New("connection refused")

func (s *failingStore) Insert(ctx context.Context, req *ApprovalRequest) (string, error) {
	if s.failInsert {
		return "", errors.Join(ErrStorageUnavailable, errDown)
	}
	return s.Store.Insert(ctx, req)
}

func (s *failingStore) TryTransition(ctx context.Context, id string, expected, next Status, decidedBy string, at time.Time) (bool, error) {
	if s.failTransition {
		return false, errors.Join(ErrStorageUnavailable, errDown)
	}
	return s.Store.TryTransition(ctx, id, expected, next, decidedBy, at)
}

func (s *failingStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	if s.failList {
		return nil, errors.Join(ErrStorageUnavailable, errDown)
	}
	return s.Store.ListExpired(ctx, now, limit)
}

// failingSessionNotifier 总是失败的会话通知器
type failingSessionNotifier struct{}

func (failingSessionNotifier) Publish(context.Context, OutcomeEvent) error {
	return errors.New("session gone")
}

func testPayload(cmd string) Payload {
	return Payload{Command: cmd, Target: "/data", RiskSummary: "destructive"}
}
