// Package task defines the task record and its monotonic status lifecycle.
package task

import (
	"fmt"
	"time"

	"edgeai/internal/domain/agent"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a forward lifecycle move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusInProgress || to == StatusCancelled || to == StatusFailed
	case StatusInProgress:
		return to == StatusDone || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Task is a unit of work routed to the agent that owns its target role.
type Task struct {
	ID       string     `json:"id"`
	Role     agent.Role `json:"role"`
	Input    string     `json:"input"`
	Priority int        `json:"priority"`
	// Context carries requester-supplied metadata (origin, correlation id).
	Context map[string]string `json:"context,omitempty"`

	Status Status `json:"status"`
	// AgentID is the owning runtime while in progress, and the last owner afterwards.
	AgentID  string `json:"agent_id,omitempty"`
	Result   string `json:"result,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
	// ErrorKind is the failure taxonomy name, e.g. slot_revoked.
	ErrorKind string `json:"error_kind,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Transition moves the task to status next, stamping timestamps. It rejects
// reverse or repeated transitions.
func (t *Task) Transition(next Status, now time.Time) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	switch {
	case next == StatusInProgress:
		t.StartedAt = &now
	case next.IsTerminal():
		t.CompletedAt = &now
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (t Task) Clone() Task {
	if t.Context != nil {
		ctx := make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			ctx[k] = v
		}
		t.Context = ctx
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		t.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		t.CompletedAt = &completed
	}
	return t
}
