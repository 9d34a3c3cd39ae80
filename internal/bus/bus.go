// Package bus is a best-effort, in-process publish/subscribe channel.
// Delivery is at-most-once: every subscriber owns a bounded queue and the
// oldest undelivered message is dropped when it overflows. Messages from one
// publisher on one topic arrive in publish order.
package bus

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	id "edgeai/internal/utils/id"
)

// Message is one published event.
type Message struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Publisher string    `json:"publisher"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Option customizes a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) { b.logger = logging.OrNop(logger) }
}

func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus fans published messages out to matching subscriptions.
type Bus struct {
	buffer  int
	logger  logging.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns an open bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: 128,
		logger: logging.Nop(),
		now:    time.Now,
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers payload to every subscription whose pattern matches
// topic and returns the message. It never blocks on slow subscribers.
func (b *Bus) Publish(topic, publisher string, payload any) Message {
	msg := Message{
		ID:        id.NewMessageID(),
		Topic:     topic,
		Publisher: publisher,
		Timestamp: b.now(),
		Payload:   payload,
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return msg
	}
	b.metrics.incPublished(topic)
	for sub := range b.subs {
		if sub.matches(topic) && sub.deliver(msg) {
			b.metrics.incDropped(sub.pattern)
			b.logger.Debug("bus: subscriber %q full, dropped oldest message before %s", sub.pattern, msg.ID)
		}
	}
	return msg
}

// Subscribe registers a subscription for pattern: an exact topic, a
// "prefix.*" wildcard, or "*" for everything. Only messages published after
// Subscribe returns are delivered.
func (b *Bus) Subscribe(pattern string) (*Subscription, error) {
	pattern = strings.TrimSpace(pattern)
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	sub := &Subscription{
		bus:     b,
		pattern: pattern,
		buf:     make([]Message, b.buffer),
		notify:  make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: %w", apperrors.ErrClosed)
	}
	b.subs[sub] = struct{}{}
	b.metrics.setSubscribers(len(b.subs))
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.metrics.setSubscribers(0)
	b.mu.Unlock()

	for sub := range subs {
		sub.markClosed()
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.metrics.setSubscribers(len(b.subs))
	b.mu.Unlock()
}

func validatePattern(pattern string) error {
	switch {
	case pattern == "":
		return fmt.Errorf("bus: empty topic pattern: %w", apperrors.ErrInvalidArgument)
	case pattern == "*":
		return nil
	case strings.Contains(strings.TrimSuffix(pattern, ".*"), "*"):
		return fmt.Errorf("bus: wildcard only allowed as a trailing \".*\" in %q: %w", pattern, apperrors.ErrInvalidArgument)
	}
	return nil
}

// Match reports whether topic satisfies pattern.
func Match(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return pattern == topic
}

// Subscription is one subscriber's bounded queue.
type Subscription struct {
	bus     *Bus
	pattern string
	notify  chan struct{}

	mu      sync.Mutex
	buf     []Message
	head    int
	size    int
	dropped uint64
	closed  bool
}

// Pattern returns the topic pattern.
func (s *Subscription) Pattern() string { return s.pattern }

func (s *Subscription) matches(topic string) bool {
	return Match(s.pattern, topic)
}

// deliver enqueues msg, evicting the oldest message when full. It reports
// whether a message was dropped.
func (s *Subscription) deliver(msg Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if s.size == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped++
		dropped = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next returns the oldest queued message, waiting until one arrives, ctx is
// done, or the subscription is closed (ErrClosed).
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			msg := s.buf[s.head]
			s.buf[s.head] = Message{}
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, fmt.Errorf("bus: subscription %s: %w", s.pattern, apperrors.ErrClosed)
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// All yields messages until ctx is done or the subscription closes.
func (s *Subscription) All(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil || !yield(msg) {
				return
			}
		}
	}
}

// Dropped counts messages discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Messages already queued can still be drained with Next.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.markClosed()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
