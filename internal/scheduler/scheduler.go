// Package scheduler leases GPU inference capacity to agents. At most
// Parallelism slots are held at once; waiting requests are served by
// priority tier, FIFO within a tier, and are promoted one tier per elapsed
// aging threshold so low-priority work cannot starve.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	id "edgeai/internal/utils/id"
)

// Config bounds the scheduler.
type Config struct {
	Parallelism int
	// QueueTimeout bounds how long Acquire waits. Zero waits until ctx is done.
	QueueTimeout time.Duration
	// MaxHold is the lease duration after which a slot is revoked. Zero
	// disables revocation.
	MaxHold time.Duration
	// AgingThreshold is the wait after which a request moves up one tier.
	// Zero disables aging.
	AgingThreshold time.Duration
	// PriorityTiers is the number of tiers; priorities are 0 (lowest)
	// through PriorityTiers-1.
	PriorityTiers int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.OrNop(logger) }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the clock used for aging and wait accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type waiter struct {
	agentID  string
	priority int
	enqueued time.Time
	seq      uint64
	ready    chan *Slot
}

// Scheduler is the GPU slot scheduler.
type Scheduler struct {
	cfg     Config
	logger  logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	held    map[string]*Slot
	waiters []*waiter
	seq     uint64
	closed  bool
	stats   counters
}

type counters struct {
	granted       uint64
	released      uint64
	revoked       uint64
	promotions    uint64
	queueTimeouts uint64
}

// New validates cfg and returns a scheduler.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Parallelism < 1 {
		return nil, fmt.Errorf("scheduler: parallelism must be at least 1, got %d", cfg.Parallelism)
	}
	if cfg.PriorityTiers < 1 {
		cfg.PriorityTiers = 1
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logging.Nop(),
		now:    time.Now,
		held:   make(map[string]*Slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setCapacity(cfg.Parallelism)
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) clampPriority(p int) int {
	return min(max(p, 0), s.cfg.PriorityTiers-1)
}

// effectivePriority applies aging: one tier per full threshold waited,
// capped at the top tier.
func (s *Scheduler) effectivePriority(w *waiter, now time.Time) int {
	p := w.priority
	if s.cfg.AgingThreshold > 0 {
		p += int(now.Sub(w.enqueued) / s.cfg.AgingThreshold)
	}
	return min(p, s.cfg.PriorityTiers-1)
}

// Acquire blocks until a slot is granted to agentID, ctx is done, or the
// queue timeout elapses (QueueTimeout, retryable).
func (s *Scheduler) Acquire(ctx context.Context, agentID string, priority int) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: %w", apperrors.ErrClosed)
	}
	s.seq++
	w := &waiter{
		agentID:  agentID,
		priority: s.clampPriority(priority),
		enqueued: s.now(),
		seq:      s.seq,
		ready:    make(chan *Slot, 1),
	}
	s.waiters = append(s.waiters, w)
	s.dispatchLocked()
	s.metrics.setWaiting(len(s.waiters))
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(s.cfg.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case slot, ok := <-w.ready:
		if !ok {
			return nil, fmt.Errorf("scheduler: %w", apperrors.ErrClosed)
		}
		return slot, nil
	case <-ctx.Done():
		return nil, s.abandon(w, ctx.Err(), false)
	case <-timeout:
		return nil, s.abandon(w, apperrors.QueueTimeout(fmt.Sprintf("slot for %s after %v", agentID, s.cfg.QueueTimeout)), true)
	}
}

// abandon withdraws w. If a slot was granted in the meantime it is handed
// back so capacity is not leaked.
func (s *Scheduler) abandon(w *waiter, cause error, timedOut bool) error {
	s.mu.Lock()
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			if timedOut {
				s.stats.queueTimeouts++
				s.metrics.incQueueTimeout()
			}
			s.metrics.setWaiting(len(s.waiters))
			s.mu.Unlock()
			if timedOut {
				s.logger.Warn("Slot request from %s timed out after %v", w.agentID, s.cfg.QueueTimeout)
			}
			return cause
		}
	}
	s.mu.Unlock()

	select {
	case slot, ok := <-w.ready:
		if ok && slot != nil {
			_ = s.Release(slot)
		}
	default:
	}
	return cause
}

// dispatchLocked grants free capacity to the best waiters. Waiter order is
// recomputed on every grant because aging changes effective priorities.
func (s *Scheduler) dispatchLocked() {
	for len(s.held) < s.cfg.Parallelism && len(s.waiters) > 0 {
		now := s.now()
		best, bestPri := 0, s.effectivePriority(s.waiters[0], now)
		for i := 1; i < len(s.waiters); i++ {
			p := s.effectivePriority(s.waiters[i], now)
			if p > bestPri || (p == bestPri && s.waiters[i].seq < s.waiters[best].seq) {
				best, bestPri = i, p
			}
		}
		w := s.waiters[best]
		s.waiters = append(s.waiters[:best], s.waiters[best+1:]...)

		slot := newSlot(id.NewSlotID(), w.agentID, bestPri, now, s.cfg.MaxHold)
		if s.cfg.MaxHold > 0 {
			slot.timer = time.AfterFunc(s.cfg.MaxHold, func() { s.revoke(slot) })
		}
		s.held[slot.ID] = slot
		s.stats.granted++
		if bestPri > w.priority {
			s.stats.promotions++
			s.metrics.incPromotion()
		}
		s.metrics.observeGrant(w.priority, now.Sub(w.enqueued), len(s.held))
		w.ready <- slot
	}
	s.metrics.setWaiting(len(s.waiters))
}

// Release returns slot to the pool. Releasing a revoked slot is a no-op;
// releasing an unknown or already released slot is an error.
func (s *Scheduler) Release(slot *Slot) error {
	if slot == nil {
		return fmt.Errorf("scheduler: release of nil slot: %w", apperrors.ErrInvalidArgument)
	}
	if slot.Err() != nil {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.held[slot.ID]; !ok || !slot.finish(nil) {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: slot %s is not held: %w", slot.ID, apperrors.ErrInvalidArgument)
	}
	delete(s.held, slot.ID)
	s.stats.released++
	s.metrics.observeRelease(s.now().Sub(slot.AcquiredAt), len(s.held))
	s.dispatchLocked()
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) revoke(slot *Slot) {
	s.mu.Lock()
	if _, ok := s.held[slot.ID]; !ok {
		s.mu.Unlock()
		return
	}
	if !slot.finish(apperrors.SlotRevoked(slot.ID, slot.AgentID)) {
		s.mu.Unlock()
		return
	}
	delete(s.held, slot.ID)
	s.stats.revoked++
	s.metrics.incRevocation()
	s.metrics.observeRelease(s.now().Sub(slot.AcquiredAt), len(s.held))
	s.dispatchLocked()
	s.mu.Unlock()

	s.logger.Warn("Revoked slot %s from %s after %v", slot.ID, slot.AgentID, s.cfg.MaxHold)
}

// Close fails every waiter with ErrClosed and rejects new requests. Held
// slots stay valid until released.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, w := range s.waiters {
		close(w.ready)
	}
	s.waiters = nil
	s.metrics.setWaiting(0)
}

// HolderInfo describes one held slot.
type HolderInfo struct {
	SlotID     string        `json:"slot_id"`
	AgentID    string        `json:"agent_id"`
	Priority   int           `json:"priority"`
	AcquiredAt time.Time     `json:"acquired_at"`
	HeldFor    time.Duration `json:"held_for"`
}

// WaiterInfo describes one queued request.
type WaiterInfo struct {
	AgentID           string        `json:"agent_id"`
	Priority          int           `json:"priority"`
	EffectivePriority int           `json:"effective_priority"`
	Waited            time.Duration `json:"waited"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Parallelism   int          `json:"parallelism"`
	Held          int          `json:"held"`
	Waiting       int          `json:"waiting"`
	Granted       uint64       `json:"granted"`
	Released      uint64       `json:"released"`
	Revoked       uint64       `json:"revoked"`
	Promotions    uint64       `json:"promotions"`
	QueueTimeouts uint64       `json:"queue_timeouts"`
	Holders       []HolderInfo `json:"holders"`
	Queue         []WaiterInfo `json:"queue"`
}

// Stats reports current occupancy and lifetime counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st := Stats{
		Parallelism:   s.cfg.Parallelism,
		Held:          len(s.held),
		Waiting:       len(s.waiters),
		Granted:       s.stats.granted,
		Released:      s.stats.released,
		Revoked:       s.stats.revoked,
		Promotions:    s.stats.promotions,
		QueueTimeouts: s.stats.queueTimeouts,
		Holders:       make([]HolderInfo, 0, len(s.held)),
		Queue:         make([]WaiterInfo, 0, len(s.waiters)),
	}
	for _, slot := range s.held {
		st.Holders = append(st.Holders, HolderInfo{
			SlotID: slot.ID, AgentID: slot.AgentID, Priority: slot.Priority,
			AcquiredAt: slot.AcquiredAt, HeldFor: now.Sub(slot.AcquiredAt),
		})
	}
	sort.Slice(st.Holders, func(i, j int) bool {
		if !st.Holders[i].AcquiredAt.Equal(st.Holders[j].AcquiredAt) {
			return st.Holders[i].AcquiredAt.Before(st.Holders[j].AcquiredAt)
		}
		return st.Holders[i].SlotID < st.Holders[j].SlotID
	})
	for _, w := range s.waiters {
		st.Queue = append(st.Queue, WaiterInfo{
			AgentID: w.agentID, Priority: w.priority,
			EffectivePriority: s.effectivePriority(w, now), Waited: now.Sub(w.enqueued),
		})
	}
	return st
}
