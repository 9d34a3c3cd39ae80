package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var (
	defaultGenerator = &Generator{strategy: StrategyKSUID}
)

// Generator produces identifiers for tasks, context entries, messages and slots.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewTaskID generates a new task identifier.
func NewTaskID() string {
	return defaultGenerator.newIdentifier("task")
}

// NewEntryID generates a context entry identifier.
func NewEntryID() string {
	return defaultGenerator.newIdentifier("ctx")
}

// NewMessageID generates a bus message identifier.
func NewMessageID() string {
	return defaultGenerator.newIdentifier("msg")
}

// NewSlotID generates a scheduler lease identifier.
func NewSlotID() string {
	return defaultGenerator.newIdentifier("slot")
}

// NewCorrelationID returns an unprefixed UUID suitable for X-Correlation-ID headers.
func NewCorrelationID() string {
	return uuid.NewString()
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
