// Package config loads the process configuration once at startup. The
// returned Config is treated as immutable for the lifetime of the process.
package config

import (
	"time"

	"edgeai/internal/observability"
)

// Config is the complete static configuration.
type Config struct {
	Agents        []AgentConfig        `yaml:"agents" mapstructure:"agents"`
	Models        []ModelConfig        `yaml:"models" mapstructure:"models"`
	Scheduler     SchedulerConfig      `yaml:"scheduler" mapstructure:"scheduler"`
	Registry      RegistryConfig       `yaml:"registry" mapstructure:"registry"`
	Context       ContextConfig        `yaml:"context" mapstructure:"context"`
	Embedding     EmbeddingConfig      `yaml:"embedding" mapstructure:"embedding"`
	Inference     InferenceConfig      `yaml:"inference" mapstructure:"inference"`
	Runtime       RuntimeConfig        `yaml:"runtime" mapstructure:"runtime"`
	Orchestrator  OrchestratorConfig   `yaml:"orchestrator" mapstructure:"orchestrator"`
	Bus           BusConfig            `yaml:"bus" mapstructure:"bus"`
	Storage       StorageConfig        `yaml:"storage" mapstructure:"storage"`
	Server        ServerConfig         `yaml:"server" mapstructure:"server"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
}

// AgentConfig binds one role to its model and role-specific settings.
type AgentConfig struct {
	Role              string   `yaml:"role" mapstructure:"role"`
	Model             string   `yaml:"model" mapstructure:"model"`
	Priority          int      `yaml:"priority" mapstructure:"priority"`
	SystemPrompt      string   `yaml:"system_prompt" mapstructure:"system_prompt"`
	SharedNamespaces  []string `yaml:"shared_namespaces,omitempty" mapstructure:"shared_namespaces"`
	// PublishNamespaces receive a copy of every turn the agent persists.
	PublishNamespaces []string `yaml:"publish_namespaces,omitempty" mapstructure:"publish_namespaces"`
	HandoffTo         string   `yaml:"handoff_to,omitempty" mapstructure:"handoff_to"`
}

// ModelConfig describes a quantized model the registry may load.
type ModelConfig struct {
	ID           string `yaml:"id" mapstructure:"id"`
	Quantization string `yaml:"quantization" mapstructure:"quantization"`
	FootprintMB  int64  `yaml:"footprint_mb" mapstructure:"footprint_mb"`
	// BackendName is the model name understood by the inference backend,
	// defaulting to ID.
	BackendName string `yaml:"backend_name,omitempty" mapstructure:"backend_name"`
	// Artifact is an optional local path that must exist before loading.
	Artifact string `yaml:"artifact,omitempty" mapstructure:"artifact"`
}

// SchedulerConfig configures the GPU slot scheduler.
type SchedulerConfig struct {
	Parallelism    int           `yaml:"parallelism" mapstructure:"parallelism"`
	QueueTimeout   time.Duration `yaml:"queue_timeout" mapstructure:"queue_timeout"`
	MaxHold        time.Duration `yaml:"max_hold" mapstructure:"max_hold"`
	AgingThreshold time.Duration `yaml:"aging_threshold" mapstructure:"aging_threshold"`
	PriorityTiers  int           `yaml:"priority_tiers" mapstructure:"priority_tiers"`
}

// RegistryConfig configures the model registry.
type RegistryConfig struct {
	// MemoryBudgetMB of 0 sizes the budget from physical memory at startup.
	MemoryBudgetMB int64         `yaml:"memory_budget_mb" mapstructure:"memory_budget_mb"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// ContextConfig configures the context store and its compactor.
type ContextConfig struct {
	TokenBudget        int           `yaml:"token_budget" mapstructure:"token_budget"`
	ProtectedRecent    int           `yaml:"protected_recent" mapstructure:"protected_recent"`
	CompactionWindow   time.Duration `yaml:"compaction_window" mapstructure:"compaction_window"`
	CompactionSchedule string        `yaml:"compaction_schedule" mapstructure:"compaction_schedule"`
	Index              string        `yaml:"index" mapstructure:"index"` // memory, chromem
}

// EmbeddingConfig configures the shared embedding service.
type EmbeddingConfig struct {
	Provider     string        `yaml:"provider" mapstructure:"provider"` // hash, ollama, openai
	Model        string        `yaml:"model" mapstructure:"model"`
	Dimensions   int           `yaml:"dimensions" mapstructure:"dimensions"`
	BaseURL      string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	CacheSize    int           `yaml:"cache_size" mapstructure:"cache_size"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
	QueueTimeout time.Duration `yaml:"queue_timeout" mapstructure:"queue_timeout"`
	// Condenser selects summarization: extractive or inference.
	Condenser string `yaml:"condenser" mapstructure:"condenser"`
}

// InferenceConfig selects and tunes the inference backend.
type InferenceConfig struct {
	Provider       string               `yaml:"provider" mapstructure:"provider"` // ollama, openai, static
	BaseURL        string               `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string               `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Timeout        time.Duration        `yaml:"timeout" mapstructure:"timeout"`
	KeepAlive      string               `yaml:"keep_alive" mapstructure:"keep_alive"`
	RateLimit      float64              `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second, 0 disables
	RateBurst      int                  `yaml:"rate_burst" mapstructure:"rate_burst"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors errors.CircuitBreakerConfig for file configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RuntimeConfig tunes agent turns.
type RuntimeConfig struct {
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	RecallK           int           `yaml:"recall_k" mapstructure:"recall_k"`
	PromptTokenBudget int           `yaml:"prompt_token_budget" mapstructure:"prompt_token_budget"`
	MaxTokens         int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64       `yaml:"temperature" mapstructure:"temperature"`
}

// OrchestratorConfig bounds concurrently active agents and queued tasks.
type OrchestratorConfig struct {
	MaxActiveAgents int `yaml:"max_active_agents" mapstructure:"max_active_agents"`
	QueueSize       int `yaml:"queue_size" mapstructure:"queue_size"`
	// MaxHandoffDepth bounds role handoff chains; 0 ignores handoffs.
	MaxHandoffDepth int `yaml:"max_handoff_depth" mapstructure:"max_handoff_depth"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" mapstructure:"subscriber_buffer"`
}

// StorageConfig selects the durable key-value backend.
type StorageConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"` // memory, leveldb, postgres
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
	DSN     string `yaml:"dsn,omitempty" mapstructure:"dsn"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host           string   `yaml:"host" mapstructure:"host"`
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Model returns the model configuration with the given id.
func (c Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}
