package scheduler

import (
	"context"
	"sync"
	"time"
)

// Slot is a time-bounded lease on GPU inference capacity. The scheduler
// revokes it when it is held past the configured maximum.
type Slot struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Priority   int       `json:"priority"`
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is zero when holds are unbounded.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	timer *time.Timer

	mu       sync.Mutex
	released bool
	err      error
	revoked  chan struct{}
	cancels  []context.CancelCauseFunc
}

func newSlot(id, agentID string, priority int, now time.Time, maxHold time.Duration) *Slot {
	s := &Slot{
		ID:         id,
		AgentID:    agentID,
		Priority:   priority,
		AcquiredAt: now,
		revoked:    make(chan struct{}),
	}
	if maxHold > 0 {
		s.ExpiresAt = now.Add(maxHold)
	}
	return s
}

// Revoked is closed when the scheduler forcibly takes the slot back.
func (s *Slot) Revoked() <-chan struct{} {
	return s.revoked
}

// Err returns the SlotRevoked error once the slot has been revoked.
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Context derives a context that is cancelled, with the SlotRevoked error as
// its cause, when the slot is revoked. Inference bound to it stops when the
// lease ends.
func (s *Slot) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		cancel(err)
		return ctx, func() { cancel(context.Canceled) }
	}
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return ctx, func() { cancel(context.Canceled) }
}

// finish marks the slot released or revoked. It reports false when the slot
// had already finished.
func (s *Slot) finish(revokeErr error) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	s.released = true
	if s.timer != nil {
		s.timer.Stop()
	}
	cancels := s.cancels
	s.cancels = nil
	if revokeErr != nil {
		s.err = revokeErr
		close(s.revoked)
	}
	s.mu.Unlock()

	if revokeErr != nil {
		for _, cancel := range cancels {
			cancel(revokeErr)
		}
	}
	return true
}
