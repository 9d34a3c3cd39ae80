// Package agent defines the closed set of agent roles and the agent record
// owned by the orchestrator.
package agent

import (
	"fmt"
	"strings"
)

// Role is the closed enumeration of agent roles. The zero value is invalid.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleStrategist
	RoleBuilder
	RolePlanner
	RoleCritic
	RoleSynthesizer
	RoleArchivist
	RoleExecutor
	RoleWatcher
)

var roleNames = [...]string{
	RoleUnknown:     "unknown",
	RoleStrategist:  "strategist",
	RoleBuilder:     "builder",
	RolePlanner:     "planner",
	RoleCritic:      "critic",
	RoleSynthesizer: "synthesizer",
	RoleArchivist:   "archivist",
	RoleExecutor:    "executor",
	RoleWatcher:     "watcher",
}

// Roles lists every valid role in declaration order.
func Roles() []Role {
	return []Role{
		RoleStrategist, RoleBuilder, RolePlanner, RoleCritic,
		RoleSynthesizer, RoleArchivist, RoleExecutor, RoleWatcher,
	}
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is one of the eight declared roles.
func (r Role) Valid() bool {
	return r > RoleUnknown && int(r) < len(roleNames)
}

// ParseRole maps a case-insensitive role name onto its Role.
func ParseRole(name string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, role := range Roles() {
		if roleNames[role] == normalized {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown agent role %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid agent role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// State is the coarse agent state visible to the orchestrator.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateBlocked State = "blocked"
)

// Profile is the static, role-specific configuration of one agent.
type Profile struct {
	Role              Role
	Model             string
	Priority          int
	SystemPrompt      string
	SharedNamespaces  []string
	// PublishNamespaces receive a copy of each persisted turn.
	PublishNamespaces []string
	// HandoffTo names the role that receives this agent's results, if any.
	HandoffTo Role
}

// Agent is the identity plus current state of a configured agent.
type Agent struct {
	ID      string  `json:"id"`
	Profile Profile `json:"-"`
	State   State   `json:"state"`
	// CurrentTask is set while the agent is running a task.
	CurrentTask string `json:"current_task,omitempty"`
}

// ID returns the canonical agent id for a role. There is one agent per role.
func ID(role Role) string {
	return role.String()
}
