package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionsAreMonotonic(t *testing.T) {
	now := time.Unix(100, 0)
	tk := &Task{ID: "task-1", Status: StatusQueued}

	require.NoError(t, tk.Transition(StatusInProgress, now))
	require.NotNil(t, tk.StartedAt)
	require.NoError(t, tk.Transition(StatusDone, now.Add(time.Second)))
	require.NotNil(t, tk.CompletedAt)

	assert.Error(t, tk.Transition(StatusInProgress, now))
	assert.Error(t, tk.Transition(StatusQueued, now))
	assert.Error(t, tk.Transition(StatusFailed, now))
	assert.Equal(t, StatusDone, tk.Status)
}

func TestQueuedCanBeCancelled(t *testing.T) {
	tk := &Task{ID: "task-2", Status: StatusQueued}
	require.NoError(t, tk.Transition(StatusCancelled, time.Now()))
	assert.True(t, tk.Status.IsTerminal())
	assert.False(t, CanTransition(StatusCancelled, StatusInProgress))
	assert.False(t, CanTransition(StatusInProgress, StatusQueued))
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	original := Task{ID: "t", Context: map[string]string{"k": "v"}, StartedAt: &now}
	clone := original.Clone()
	clone.Context["k"] = "changed"
	*clone.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "v", original.Context["k"])
	assert.Equal(t, now, *original.StartedAt)
}
