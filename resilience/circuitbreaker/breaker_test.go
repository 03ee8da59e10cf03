package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

var errFail = errors.New("fail")

func succeed(context.Context) (any, error) { return "ok", nil }
func fail(context.Context) (any, error)    { return nil, errFail }

// ---------------------------------------------------------------------------
// DefaultConfig / New
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.ConsecutiveFailureThreshold)
	assert.Equal(t, 0.5, cfg.FailureRateThreshold)
	assert.Equal(t, 10, cfg.MinimumThroughput)
	assert.Equal(t, 30*time.Second, cfg.SamplingWindow)
	assert.Equal(t, 30*time.Second, cfg.BreakDuration)
	assert.Nil(t, cfg.OnStateChange)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *Config
		wantConsec  int
		wantRate    float64
		wantMinimum int
		wantBreak   time.Duration
	}{
		{
			name:        "nil config uses defaults",
			cfg:         nil,
			wantConsec:  5,
			wantRate:    0.5,
			wantMinimum: 10,
			wantBreak:   30 * time.Second,
		},
		{
			name: "invalid values corrected to defaults",
			cfg: &Config{
				ConsecutiveFailureThreshold: -1,
				FailureRateThreshold:        1.5,
				MinimumThroughput:           0,
				BreakDuration:               0,
			},
			wantConsec:  5,
			wantRate:    0.5,
			wantMinimum: 10,
			wantBreak:   30 * time.Second,
		},
		{
			name: "custom values preserved",
			cfg: &Config{
				ConsecutiveFailureThreshold: 3,
				FailureRateThreshold:        0.25,
				MinimumThroughput:           4,
				SamplingWindow:              time.Minute,
				BreakDuration:               5 * time.Second,
			},
			wantConsec:  3,
			wantRate:    0.25,
			wantMinimum: 4,
			wantBreak:   5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(tt.cfg, zap.NewNop())
			require.NotNil(t, cb)
			assert.Equal(t, StateClosed, cb.State())
			assert.Equal(t, tt.wantConsec, cb.config.ConsecutiveFailureThreshold)
			assert.Equal(t, tt.wantRate, cb.config.FailureRateThreshold)
			assert.Equal(t, tt.wantMinimum, cb.config.MinimumThroughput)
			assert.Equal(t, tt.wantBreak, cb.config.BreakDuration)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
	assert.Equal(t, "Unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// Closed -> Open
// ---------------------------------------------------------------------------

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := cb.Execute(ctx, fail, nil)
		assert.ErrorIs(t, err, errFail)
	}
	assert.Equal(t, StateClosed, cb.State())

	_, err := cb.Execute(ctx, fail, nil)
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, StateOpen, cb.State())

	var invoked atomic.Int32
	res, err := cb.Execute(ctx, func(context.Context) (any, error) {
		invoked.Add(1)
		return "real", nil
	}, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
	assert.Equal(t, int32(0), invoked.Load(), "打开状态不应调用被保护函数")
	assert.Equal(t, uint64(1), cb.Stats().Rejected)
}

func TestBreaker_SuccessResetsConsecutive(t *testing.T) {
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, fail, nil)
	}
	_, _ = cb.Execute(ctx, succeed, nil)
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(ctx, fail, nil)
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 4, cb.Stats().ConsecutiveFailures)
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))
	ctx := context.Background()

	// S F S F ... 第 10 次调用时窗口内 5/10 失败
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			_, _ = cb.Execute(ctx, succeed, nil)
		} else {
			_, _ = cb.Execute(ctx, fail, nil)
		}
		assert.Equal(t, StateClosed, cb.State(), "call %d", i+1)
	}

	_, _ = cb.Execute(ctx, fail, nil)
	assert.Equal(t, StateOpen, cb.State())

	stats := cb.Stats()
	assert.Equal(t, 10, stats.WindowCalls)
	assert.InDelta(t, 0.5, stats.FailureRate, 1e-9)
}

func TestBreaker_WindowExpiresOldOutcomes(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			_, _ = cb.Execute(ctx, fail, nil)
		} else {
			_, _ = cb.Execute(ctx, succeed, nil)
		}
	}
	assert.Equal(t, 9, cb.Stats().WindowCalls)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 0, cb.Stats().WindowCalls)

	_, _ = cb.Execute(ctx, succeed, nil)
	_, _ = cb.Execute(ctx, fail, nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Stats().WindowCalls)
}

func TestBreaker_IsFailureClassifier(t *testing.T) {
	errBadRequest := errors.New("bad request")
	cb := New(&Config{
		IsFailure: func(err error) bool { return !errors.Is(err, errBadRequest) },
	}, zap.NewNop(), WithClock(newFakeClock().Now))

	for i := 0; i < 20; i++ {
		_, err := cb.Execute(context.Background(), func(context.Context) (any, error) {
			return nil, errBadRequest
		}, nil)
		assert.ErrorIs(t, err, errBadRequest)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().ConsecutiveFailures)
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
			return nil, ctx.Err()
		}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint64(0), cb.Stats().Failures)
}

func TestBreaker_CallTimeout(t *testing.T) {
	cb := New(&Config{CallTimeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), cb.Stats().Failures)
}

// ---------------------------------------------------------------------------
// Open -> HalfOpen -> Closed / Open
// ---------------------------------------------------------------------------

func openBreaker(t *testing.T, cb *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(context.Background(), fail, nil)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	openBreaker(t, cb)

	clock.Advance(29 * time.Second)
	res, err := cb.Execute(context.Background(), succeed, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", res, "熔断期内仍返回兜底值")

	clock.Advance(time.Second)
	res, err = cb.Execute(context.Background(), succeed, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().WindowCalls, "恢复后窗口清空")
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	openBreaker(t, cb)

	clock.Advance(30 * time.Second)
	_, err := cb.Execute(context.Background(), fail, nil)
	assert.ErrorIs(t, err, errFail)
	assert.Equal(t, StateOpen, cb.State())

	// 新的熔断周期从试探失败时开始
	clock.Advance(29 * time.Second)
	res, _ := cb.Execute(context.Background(), succeed, "fallback")
	assert.Equal(t, "fallback", res)

	clock.Advance(time.Second)
	res, _ = cb.Execute(context.Background(), succeed, "fallback")
	assert.Equal(t, "ok", res)
}

func TestBreaker_HalfOpenTrialPanicReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	openBreaker(t, cb)

	clock.Advance(30 * time.Second)
	assert.PanicsWithValue(t, "boom", func() {
		_, _ = cb.Execute(context.Background(), func(context.Context) (any, error) {
			panic("boom")
		}, nil)
	})
	assert.Equal(t, StateOpen, cb.State(), "试探 panic 视为失败")

	// 下一个熔断周期结束后仍能放行试探
	clock.Advance(30 * time.Second)
	called := false
	res, err := cb.Execute(context.Background(), func(context.Context) (any, error) {
		called = true
		return "ok", nil
	}, "fallback")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", res)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := New(nil, zap.NewNop())

	assert.Panics(t, func() {
		_ = cb.Call(context.Background(), func(context.Context) error { panic("boom") })
	})
	stats := cb.Stats()
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.Equal(t, uint64(1), stats.Failures)
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	cb := New(nil, zap.NewNop(), WithClock(clock.Now))
	openBreaker(t, cb)
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var invoked atomic.Int32

	done := make(chan any, 1)
	go func() {
		res, _ := cb.Execute(context.Background(), func(context.Context) (any, error) {
			invoked.Add(1)
			close(started)
			<-release
			return "trial", nil
		}, "fallback")
		done <- res
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cb.Execute(context.Background(), func(context.Context) (any, error) {
				invoked.Add(1)
				return "other", nil
			}, "fallback")
			assert.NoError(t, err)
			assert.Equal(t, "fallback", res)
		}()
	}
	wg.Wait()
	assert.Equal(t, StateHalfOpen, cb.State())

	close(release)
	assert.Equal(t, "trial", <-done)
	assert.Equal(t, int32(1), invoked.Load())
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var changes []string
	cb := New(&Config{
		OnStateChange: func(from, to State) {
			mu.Lock()
			changes = append(changes, from.String()+"->"+to.String())
			mu.Unlock()
		},
	}, zap.NewNop(), WithClock(clock.Now))

	openBreaker(t, cb)
	clock.Advance(30 * time.Second)
	_, _ = cb.Execute(context.Background(), succeed, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Closed->Open", "Open->HalfOpen", "HalfOpen->Closed"}, changes)
}

func TestBreaker_Reset(t *testing.T) {
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))
	openBreaker(t, cb)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().ConsecutiveFailures)

	res, err := cb.Execute(context.Background(), succeed, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
}

func TestBreaker_CallReturnsErrCircuitOpen(t *testing.T) {
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))
	openBreaker(t, cb)

	err := cb.Call(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecuteTyped(t *testing.T) {
	type result struct {
		Delivered      bool
		ShortCircuited bool
	}
	cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))

	got, err := ExecuteTyped(context.Background(), cb, func(context.Context) (result, error) {
		return result{Delivered: true}, nil
	}, result{ShortCircuited: true})
	require.NoError(t, err)
	assert.True(t, got.Delivered)

	openBreaker(t, cb)
	got, err = ExecuteTyped(context.Background(), cb, func(context.Context) (result, error) {
		return result{Delivered: true}, nil
	}, result{ShortCircuited: true})
	require.NoError(t, err)
	assert.True(t, got.ShortCircuited)
	assert.False(t, got.Delivered)
}

// ---------------------------------------------------------------------------
// Property: 熔断器与参考模型一致
// ---------------------------------------------------------------------------

func TestBreaker_MatchesReferenceModel(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("open iff consecutive>=5 or (calls>=10 and rate>=0.5)", prop.ForAll(
		func(outcomes []bool) bool {
			cb := New(nil, zap.NewNop(), WithClock(newFakeClock().Now))

			var (
				open        bool
				consecutive int
				calls       int
				failures    int
				invoked     int
				wantInvoked int
			)
			for _, failed := range outcomes {
				failed := failed
				_, _ = cb.Execute(context.Background(), func(context.Context) (any, error) {
					invoked++
					if failed {
						return nil, errFail
					}
					return nil, nil
				}, nil)

				if open {
					continue
				}
				wantInvoked++
				calls++
				if failed {
					failures++
					consecutive++
					if consecutive >= 5 || (calls >= 10 && float64(failures)/float64(calls) >= 0.5) {
						open = true
					}
				} else {
					consecutive = 0
				}
			}

			wantState := StateClosed
			if open {
				wantState = StateOpen
			}
			return invoked == wantInvoked && cb.State() == wantState
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
