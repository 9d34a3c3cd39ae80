package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"edgeai/internal/domain/agent"
)

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	models := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			add("models[%d].id: required", i)
			continue
		}
		if models[m.ID] {
			add("models[%d].id: duplicate %q", i, m.ID)
		}
		models[m.ID] = true
		if m.FootprintMB <= 0 {
			add("models[%d].footprint_mb: must be positive", i)
		}
	}

	if len(c.Agents) == 0 {
		add("agents: at least one agent is required")
	}
	seen := make(map[agent.Role]bool, len(c.Agents))
	for i, a := range c.Agents {
		role, err := agent.ParseRole(a.Role)
		if err != nil {
			add("agents[%d].role: %v", i, err)
			continue
		}
		if seen[role] {
			add("agents[%d].role: duplicate %s", i, role)
		}
		seen[role] = true
		if !models[a.Model] {
			add("agents[%d].model: unknown model %q", i, a.Model)
		}
		if a.Priority < 0 || a.Priority >= c.Scheduler.PriorityTiers {
			add("agents[%d].priority: %d outside tiers [0,%d)", i, a.Priority, c.Scheduler.PriorityTiers)
		}
		if a.HandoffTo != "" {
			if _, err := agent.ParseRole(a.HandoffTo); err != nil {
				add("agents[%d].handoff_to: %v", i, err)
			}
		}
		for _, ns := range a.SharedNamespaces {
			if err := validNamespace(ns); err != nil {
				add("agents[%d].shared_namespaces: %v", i, err)
			}
		}
		for _, ns := range a.PublishNamespaces {
			if err := validNamespace(ns); err != nil {
				add("agents[%d].publish_namespaces: %v", i, err)
			}
		}
	}

	if c.Scheduler.Parallelism < 1 {
		add("scheduler.parallelism: must be >= 1")
	}
	if c.Scheduler.PriorityTiers < 1 {
		add("scheduler.priority_tiers: must be >= 1")
	}
	if c.Scheduler.QueueTimeout <= 0 || c.Scheduler.MaxHold <= 0 || c.Scheduler.AgingThreshold <= 0 {
		add("scheduler: queue_timeout, max_hold and aging_threshold must be positive")
	}
	if c.Registry.MemoryBudgetMB < 0 {
		add("registry.memory_budget_mb: must be >= 0")
	}
	if c.Context.ProtectedRecent < 0 {
		add("context.protected_recent: must be >= 0")
	}
	if c.Context.CompactionSchedule != "" {
		if _, err := cron.ParseStandard(c.Context.CompactionSchedule); err != nil {
			add("context.compaction_schedule: %v", err)
		}
	}
	if !slices.Contains([]string{"memory", "chromem"}, c.Context.Index) {
		add("context.index: unsupported index %q", c.Context.Index)
	}
	if !slices.Contains([]string{"hash", "ollama", "openai"}, c.Embedding.Provider) {
		add("embedding.provider: unsupported provider %q", c.Embedding.Provider)
	}
	if !slices.Contains([]string{"extractive", "inference"}, c.Embedding.Condenser) {
		add("embedding.condenser: unsupported condenser %q", c.Embedding.Condenser)
	}
	if c.Embedding.Dimensions <= 0 && c.Embedding.Provider == "hash" {
		add("embedding.dimensions: must be positive for the hash provider")
	}
	if c.Embedding.Concurrency < 1 {
		add("embedding.concurrency: must be >= 1")
	}
	if !slices.Contains([]string{"ollama", "openai", "static"}, c.Inference.Provider) {
		add("inference.provider: unsupported provider %q", c.Inference.Provider)
	}
	if c.Runtime.MaxRetries < 0 {
		add("runtime.max_retries: must be >= 0")
	}
	if c.Orchestrator.MaxActiveAgents < 1 {
		add("orchestrator.max_active_agents: must be >= 1")
	}
	if c.Orchestrator.MaxHandoffDepth < 0 {
		add("orchestrator.max_handoff_depth: must be >= 0")
	}
	if c.Bus.SubscriberBuffer < 1 {
		add("bus.subscriber_buffer: must be >= 1")
	}
	switch c.Storage.Backend {
	case "memory":
	case "leveldb":
		if c.Storage.Path == "" {
			add("storage.path: required for leveldb")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn: required for postgres")
		}
	default:
		add("storage.backend: unsupported backend %q", c.Storage.Backend)
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// Profiles converts agent configuration into typed role profiles.
func (c Config) Profiles() ([]agent.Profile, error) {
	profiles := make([]agent.Profile, 0, len(c.Agents))
	for _, a := range c.Agents {
		role, err := agent.ParseRole(a.Role)
		if err != nil {
			return nil, err
		}
		profile := agent.Profile{
			Role:              role,
			Model:             a.Model,
			Priority:          a.Priority,
			SystemPrompt:      a.SystemPrompt,
			SharedNamespaces:  slices.Clone(a.SharedNamespaces),
			PublishNamespaces: slices.Clone(a.PublishNamespaces),
		}
		if a.HandoffTo != "" {
			if profile.HandoffTo, err = agent.ParseRole(a.HandoffTo); err != nil {
				return nil, err
			}
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// validNamespace rejects shared namespace names that collide with an agent's
// own log or with the context store's key layout.
func validNamespace(ns string) error {
	switch {
	case strings.TrimSpace(ns) == "":
		return fmt.Errorf("empty namespace")
	case slices.ContainsFunc(agent.Roles(), func(r agent.Role) bool { return agent.ID(r) == ns }):
		return fmt.Errorf("namespace %q is an agent's own log", ns)
	case slices.Contains(strings.Split(ns, "/"), "e"), slices.Contains(strings.Split(ns, "/"), "a"):
		return fmt.Errorf("namespace %q uses a reserved path segment", ns)
	}
	return nil
}
