package escalation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// :memory: 库按连接隔离，固定单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(Models()...))

	return NewGormStore(db, zap.NewNop())
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newPending(session string, created time.Time, timeout time.Duration) *ApprovalRequest {
	return &ApprovalRequest{
		SessionRef: session,
		Payload:    Payload{Command: "rm -rf /data", Metadata: map[string]string{"repo": "core"}},
		Status:     StatusPending,
		CreatedAt:  created,
		Deadline:   created.Add(timeout),
	}
}

// runStoreContract 对任意 Store 实现执行同一组契约测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, newPending("sess-1", base, 30*time.Minute))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "sess-1", got.SessionRef)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "rm -rf /data", got.Payload.Command)
		assert.Equal(t, "core", got.Payload.Metadata["repo"])
		assert.True(t, got.Deadline.Equal(base.Add(30*time.Minute)))
		assert.Nil(t, got.DecidedAt)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("try transition once", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, newPending("sess-1", base, time.Minute))
		require.NoError(t, err)

		at := base.Add(10 * time.Second)
		ok, err := s.TryTransition(ctx, id, StatusPending, StatusRejected, "telegram:42", at)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryTransition(ctx, id, StatusPending, StatusApproved, "ops", at.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "终态记录不可再次转换")

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, got.Status)
		assert.Equal(t, "telegram:42", got.DecidedBy)
		require.NotNil(t, got.DecidedAt)
		assert.True(t, got.DecidedAt.Equal(at))
	})

	t.Run("try transition missing", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.TryTransition(ctx, "missing", StatusPending, StatusApproved, "ops", base)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("try transition to non-terminal", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, newPending("sess-1", base, time.Minute))
		require.NoError(t, err)

		_, err = s.TryTransition(ctx, id, StatusPending, StatusPending, "ops", base)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("list expired and pending", func(t *testing.T) {
		s := newStore(t)
		late, err := s.Insert(ctx, newPending("a", base, 2*time.Minute))
		require.NoError(t, err)
		early, err := s.Insert(ctx, newPending("b", base.Add(time.Second), time.Minute))
		require.NoError(t, err)
		_, err = s.Insert(ctx, newPending("c", base.Add(2*time.Second), time.Hour))
		require.NoError(t, err)
		done, err := s.Insert(ctx, newPending("d", base.Add(3*time.Second), time.Second))
		require.NoError(t, err)
		_, err = s.TryTransition(ctx, done, StatusPending, StatusApproved, "ops", base.Add(4*time.Second))
		require.NoError(t, err)

		expired, err := s.ListExpired(ctx, base.Add(10*time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, early, expired[0].ID, "按 deadline 升序")
		assert.Equal(t, late, expired[1].ID)

		limited, err := s.ListExpired(ctx, base.Add(10*time.Minute), 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		none, err := s.ListExpired(ctx, base.Add(30*time.Second), 0)
		require.NoError(t, err)
		assert.Empty(t, none, "deadline 未到的请求不应列出")

		pending, err := s.ListPending(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
		assert.Equal(t, late, pending[0].ID, "按创建时间升序")

		count, err := s.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
	})

	t.Run("increment attempts only while pending", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, newPending("a", base, time.Minute))
		require.NoError(t, err)

		require.NoError(t, s.IncrementAttempts(ctx, id))
		require.NoError(t, s.IncrementAttempts(ctx, id))
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, got.NotificationAttempts)

		_, err = s.TryTransition(ctx, id, StatusPending, StatusCancelled, "ops", base)
		require.NoError(t, err)
		require.NoError(t, s.IncrementAttempts(ctx, id))

		got, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, got.NotificationAttempts, "终态记录不可变")
	})

	t.Run("concurrent transitions have one winner", func(t *testing.T) {
		s := newStore(t)
		id, err := s.Insert(ctx, newPending("a", base, time.Minute))
		require.NoError(t, err)

		outcomes := []Status{StatusApproved, StatusRejected, StatusTimedOut, StatusCancelled}
		var wins atomic.Int32
		var winner atomic.Value
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			next := outcomes[i%len(outcomes)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TryTransition(ctx, id, StatusPending, next, "racer", base)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
					winner.Store(next)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, winner.Load(), got.Status)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestGormStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, err := s.Insert(ctx, newPending("a", base, time.Minute))
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	got.Status = StatusApproved

	again, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStore_DuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := newPending("a", base, time.Minute)
	req.ID = "fixed"

	_, err := s.Insert(ctx, req)
	require.NoError(t, err)
	_, err = s.Insert(ctx, req)
	assert.Error(t, err)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Insert(ctx, newPending("a", base, time.Minute))
	assert.ErrorIs(t, err, context.Canceled)
}
