package runtime

import (
	"edgeai/internal/domain/agent"
)

// Phase is where an agent is within a turn.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseContextAssembly Phase = "context_assembly"
	PhaseAwaitingSlot    Phase = "awaiting_slot"
	PhaseInferring       Phase = "inferring"
	PhasePersisting      Phase = "persisting"
	PhaseFailed          Phase = "failed"
)

// State maps the phase onto the coarse agent state shown to clients.
func (p Phase) State() agent.State {
	switch p {
	case PhaseIdle:
		return agent.StateIdle
	case PhaseAwaitingSlot, PhaseFailed:
		return agent.StateBlocked
	default:
		return agent.StateRunning
	}
}

// Observer is told about every phase change. Calls are made synchronously
// from the agent's goroutine and must not block.
type Observer interface {
	OnTransition(agentID string, from, to Phase)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(agentID string, from, to Phase)

func (f ObserverFunc) OnTransition(agentID string, from, to Phase) { f(agentID, from, to) }
