package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "edgeai/internal/errors"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"task.completed", "task.completed", true},
		{"task.completed", "task.failed", false},
		{"task.*", "task.failed", true},
		{"task.*", "task", false},
		{"task.*", "tasks.failed", false},
		{"agent.handoff.*", "agent.handoff.critic", true},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.topic), "%s ~ %s", tc.pattern, tc.topic)
	}
}

func TestSubscribeRejectsBadPatterns(t *testing.T) {
	b := New()
	for _, p := range []string{"", "  ", "task*", "*.done", "a.*.b"} {
		_, err := b.Subscribe(p)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument, p)
	}
}

func TestPublishRoutesByPattern(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tasks, err := b.Subscribe("task.*")
	require.NoError(t, err)
	failures, err := b.Subscribe(TopicAgentFailure)
	require.NoError(t, err)

	b.Publish(TopicTaskSubmitted, "orchestrator", map[string]string{"task": "t1"})
	b.Publish(TopicAgentFailure, "builder", "boom")

	msg, err := tasks.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, TopicTaskSubmitted, msg.Topic)
	assert.Equal(t, "orchestrator", msg.Publisher)
	assert.NotEmpty(t, msg.ID)

	msg, err = failures.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "boom", msg.Payload)

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	_, err = tasks.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublisherOrderPreserved(t *testing.T) {
	b := New(WithBuffer(1000))
	sub, err := b.Subscribe("*")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, pub := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish("agent.turn", pub, i)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next := map[string]int{}
	for i := 0; i < 300; i++ {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, next[msg.Publisher], msg.Payload, "publisher %s out of order", msg.Publisher)
		next[msg.Publisher]++
	}
	assert.Zero(t, sub.Dropped())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := New(WithBuffer(3), WithMetrics(m))

	slow, err := b.Subscribe("task.*")
	require.NoError(t, err)
	fast, err := b.Subscribe("task.*")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var fastGot []any
	for i := 0; i < 5; i++ {
		b.Publish(TopicTaskCompleted, "orchestrator", i)
		msg, err := fast.Next(ctx)
		require.NoError(t, err)
		fastGot = append(fastGot, msg.Payload)
	}
	assert.Equal(t, []any{0, 1, 2, 3, 4}, fastGot)
	assert.Zero(t, fast.Dropped())

	var slowGot []any
	for i := 0; i < 3; i++ {
		msg, err := slow.Next(ctx)
		require.NoError(t, err)
		slowGot = append(slowGot, msg.Payload)
	}
	assert.Equal(t, []any{2, 3, 4}, slowGot)
	assert.EqualValues(t, 2, slow.Dropped())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("task.*")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.published.WithLabelValues(TopicTaskCompleted)))
}

func TestAllStopsOnClose(t *testing.T) {
	b := New()
	sub, err := b.Subscribe(HandoffTopic("Critic"))
	require.NoError(t, err)
	assert.Equal(t, "agent.handoff.critic", sub.Pattern())

	for i := 0; i < 3; i++ {
		b.Publish(HandoffTopic("critic"), "builder", fmt.Sprintf("draft-%d", i))
	}
	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	var got []any
	for msg := range sub.All(context.Background()) {
		got = append(got, msg.Payload)
	}
	assert.Equal(t, []any{"draft-0", "draft-1", "draft-2"}, got, "queued messages drain after close")

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrClosed)
}

func TestCloseUnblocksWaiters(t *testing.T) {
	b := New()
	sub, err := b.Subscribe("*")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	_, err = b.Subscribe("*")
	assert.ErrorIs(t, err, apperrors.ErrClosed)
	b.Publish(TopicTaskFailed, "x", nil)
}
