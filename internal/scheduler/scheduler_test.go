package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "edgeai/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func waitForQueue(t *testing.T, s *Scheduler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Stats().Waiting == n }, time.Second, time.Millisecond)
}

// acquireAsync starts an Acquire and reports the granted agent on order.
func acquireAsync(s *Scheduler, agentID string, priority int, order chan<- string, slots chan<- *Slot) {
	go func() {
		slot, err := s.Acquire(context.Background(), agentID, priority)
		if err != nil {
			order <- "error:" + err.Error()
			return
		}
		order <- agentID
		slots <- slot
	}()
}

func TestNeverExceedsParallelism(t *testing.T) {
	s := newScheduler(t, Config{Parallelism: 2, PriorityTiers: 3})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.Acquire(context.Background(), "agent", i%3)
			if !assert.NoError(t, err) {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			assert.LessOrEqual(t, s.Stats().Held, 2)
			time.Sleep(time.Millisecond)
			current.Add(-1)
			assert.NoError(t, s.Release(slot))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	st := s.Stats()
	assert.Equal(t, 0, st.Held)
	assert.EqualValues(t, 40, st.Granted)
	assert.EqualValues(t, 40, st.Released)
}

func TestPriorityThenFIFO(t *testing.T) {
	s := newScheduler(t, Config{Parallelism: 1, PriorityTiers: 3})
	first, err := s.Acquire(context.Background(), "holder", 0)
	require.NoError(t, err)

	order := make(chan string, 3)
	slots := make(chan *Slot, 3)
	acquireAsync(s, "low", 0, order, slots)
	waitForQueue(t, s, 1)
	acquireAsync(s, "high-1", 2, order, slots)
	waitForQueue(t, s, 2)
	acquireAsync(s, "high-2", 2, order, slots)
	waitForQueue(t, s, 3)

	require.NoError(t, s.Release(first))
	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, <-order)
		require.NoError(t, s.Release(<-slots))
	}
	assert.Equal(t, []string{"high-1", "high-2", "low"}, got)
}

func TestAgedRequestServedBeforeLaterHigherRequest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newScheduler(t, Config{Parallelism: 1, PriorityTiers: 3, AgingThreshold: 10 * time.Second}, WithClock(clock.Now))
	held, err := s.Acquire(context.Background(), "holder", 2)
	require.NoError(t, err)

	order := make(chan string, 2)
	slots := make(chan *Slot, 2)
	acquireAsync(s, "aged-low", 0, order, slots)
	waitForQueue(t, s, 1)

	clock.Advance(25 * time.Second)
	acquireAsync(s, "fresh-mid", 1, order, slots)
	waitForQueue(t, s, 2)

	queue := s.Stats().Queue
	require.Len(t, queue, 2)
	assert.Equal(t, 2, queue[0].EffectivePriority, "two thresholds waited, capped at the top tier")
	assert.Equal(t, 1, queue[1].EffectivePriority)

	require.NoError(t, s.Release(held))
	assert.Equal(t, "aged-low", <-order)
	require.NoError(t, s.Release(<-slots))
	assert.Equal(t, "fresh-mid", <-order)
	require.NoError(t, s.Release(<-slots))

	assert.EqualValues(t, 1, s.Stats().Promotions)
}

func TestAgingDisabledKeepsStrictPriority(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newScheduler(t, Config{Parallelism: 1, PriorityTiers: 3}, WithClock(clock.Now))
	held, err := s.Acquire(context.Background(), "holder", 0)
	require.NoError(t, err)

	order := make(chan string, 2)
	slots := make(chan *Slot, 2)
	acquireAsync(s, "old-low", 0, order, slots)
	waitForQueue(t, s, 1)
	clock.Advance(time.Hour)
	acquireAsync(s, "new-mid", 1, order, slots)
	waitForQueue(t, s, 2)

	require.NoError(t, s.Release(held))
	assert.Equal(t, "new-mid", <-order)
	require.NoError(t, s.Release(<-slots))
	assert.Equal(t, "old-low", <-order)
	require.NoError(t, s.Release(<-slots))
}

func TestQueueTimeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := newScheduler(t, Config{Parallelism: 1, QueueTimeout: 20 * time.Millisecond}, WithMetrics(m))
	held, err := s.Acquire(context.Background(), "holder", 0)
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), "late", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrQueueTimeout)
	assert.True(t, apperrors.IsTransient(err))

	st := s.Stats()
	assert.Equal(t, 0, st.Waiting)
	assert.EqualValues(t, 1, st.QueueTimeouts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.held))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.waiting))

	require.NoError(t, s.Release(held))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.held))
}

func TestSlotRevokedAfterMaxHold(t *testing.T) {
	s := newScheduler(t, Config{Parallelism: 1, MaxHold: 30 * time.Millisecond})
	slot, err := s.Acquire(context.Background(), "builder", 0)
	require.NoError(t, err)
	require.False(t, slot.ExpiresAt.IsZero())

	ctx, cancel := slot.Context(context.Background())
	defer cancel()

	select {
	case <-slot.Revoked():
	case <-time.After(time.Second):
		t.Fatal("slot was not revoked")
	}
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), apperrors.ErrSlotRevoked)
	assert.ErrorIs(t, slot.Err(), apperrors.ErrSlotRevoked)
	assert.True(t, apperrors.IsTransient(slot.Err()))

	// Capacity is back without the holder releasing.
	next, err := s.Acquire(context.Background(), "critic", 0)
	require.NoError(t, err)
	assert.NoError(t, s.Release(slot), "releasing a revoked slot is a no-op")
	require.NoError(t, s.Release(next))

	// A context derived after revocation starts cancelled.
	late, lateCancel := slot.Context(context.Background())
	defer lateCancel()
	assert.ErrorIs(t, context.Cause(late), apperrors.ErrSlotRevoked)

	assert.EqualValues(t, 1, s.Stats().Revoked)
}

func TestCancelWhileWaitingWithdrawsRequest(t *testing.T) {
	s := newScheduler(t, Config{Parallelism: 1})
	held, err := s.Acquire(context.Background(), "holder", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "waiter", 0)
		done <- err
	}()
	waitForQueue(t, s, 1)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, s.Stats().Waiting)

	require.NoError(t, s.Release(held))
	assert.Equal(t, 0, s.Stats().Held)
}

func TestReleaseErrors(t *testing.T) {
	s := newScheduler(t, Config{Parallelism: 1})
	slot, err := s.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	require.NoError(t, s.Release(slot))
	assert.ErrorIs(t, s.Release(slot), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Release(nil), apperrors.ErrInvalidArgument)
}

func TestCloseFailsWaiters(t *testing.T) {
	s, err := New(Config{Parallelism: 1})
	require.NoError(t, err)
	held, err := s.Acquire(context.Background(), "holder", 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background(), "waiter", 0)
		done <- err
	}()
	waitForQueue(t, s, 1)
	s.Close()
	assert.ErrorIs(t, <-done, apperrors.ErrClosed)

	_, err = s.Acquire(context.Background(), "after", 0)
	assert.True(t, errors.Is(err, apperrors.ErrClosed))
	assert.NoError(t, s.Release(held))
}

func TestNewRejectsZeroParallelism(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
