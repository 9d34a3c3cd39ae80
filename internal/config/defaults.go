package config

import (
	"time"

	"edgeai/internal/observability"
)

// DefaultPath is where `edgeai config init` writes and `serve` looks by default.
const DefaultPath = "edgeai.yaml"

// Default returns a configuration sized for an 8 GB Jetson-class device: one
// GPU slot, a 6 GiB model budget and small quantized models.
func Default() Config {
	return Config{
		Agents: []AgentConfig{
			{Role: "strategist", Model: "llama3.2-3b-q4", Priority: 2, SystemPrompt: "You set direction and break goals into objectives.", SharedNamespaces: []string{"shared/plans"}, PublishNamespaces: []string{"shared/plans"}, HandoffTo: "planner"},
			{Role: "planner", Model: "llama3.2-3b-q4", Priority: 1, SystemPrompt: "You turn objectives into ordered, concrete steps.", SharedNamespaces: []string{"shared/plans"}, PublishNamespaces: []string{"shared/plans"}, HandoffTo: "builder"},
			{Role: "builder", Model: "qwen2.5-coder-1.5b-q4", Priority: 1, SystemPrompt: "You produce the artifacts a plan step asks for."},
			{Role: "critic", Model: "phi3-mini-q4", Priority: 1, SystemPrompt: "You review outputs and point out concrete defects."},
			{Role: "synthesizer", Model: "llama3.2-3b-q4", Priority: 0, SystemPrompt: "You merge partial results into one coherent answer.", SharedNamespaces: []string{"shared/plans"}},
			{Role: "archivist", Model: "qwen2.5-1.5b-q4", Priority: 0, SystemPrompt: "You condense history into durable notes."},
			{Role: "executor", Model: "qwen2.5-coder-1.5b-q4", Priority: 1, SystemPrompt: "You carry out a single well-specified action and report the outcome."},
			{Role: "watcher", Model: "qwen2.5-1.5b-q4", Priority: 0, SystemPrompt: "You monitor events and flag what needs planning.", HandoffTo: "planner"},
		},
		Models: []ModelConfig{
			{ID: "llama3.2-3b-q4", Quantization: "Q4_K_M", FootprintMB: 2400, BackendName: "llama3.2:3b"},
			{ID: "qwen2.5-coder-1.5b-q4", Quantization: "Q4_K_M", FootprintMB: 1300, BackendName: "qwen2.5-coder:1.5b"},
			{ID: "qwen2.5-1.5b-q4", Quantization: "Q4_K_M", FootprintMB: 1200, BackendName: "qwen2.5:1.5b"},
			{ID: "phi3-mini-q4", Quantization: "Q4_0", FootprintMB: 2300, BackendName: "phi3:mini"},
		},
		Scheduler: SchedulerConfig{
			Parallelism:    1,
			QueueTimeout:   2 * time.Minute,
			MaxHold:        90 * time.Second,
			AgingThreshold: 20 * time.Second,
			PriorityTiers:  3,
		},
		Registry: RegistryConfig{
			MemoryBudgetMB: 6144,
			AcquireTimeout: 30 * time.Second,
		},
		Context: ContextConfig{
			TokenBudget:        4096,
			ProtectedRecent:    8,
			CompactionWindow:   30 * time.Minute,
			CompactionSchedule: "@every 5m",
			Index:              "memory",
		},
		Embedding: EmbeddingConfig{
			Provider:     "hash",
			Model:        "hash-v1",
			Dimensions:   256,
			CacheSize:    2048,
			Concurrency:  2,
			QueueTimeout: 10 * time.Second,
			Condenser:    "extractive",
		},
		Inference: InferenceConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Timeout:   2 * time.Minute,
			KeepAlive: "30m",
			RateBurst: 1,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Runtime: RuntimeConfig{
			MaxRetries:        3,
			BaseBackoff:       500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			RecallK:           5,
			PromptTokenBudget: 3072,
			MaxTokens:         512,
			Temperature:       0.7,
		},
		Orchestrator: OrchestratorConfig{
			MaxActiveAgents: 4,
			QueueSize:       256,
			MaxHandoffDepth: 3,
		},
		Bus: BusConfig{SubscriberBuffer: 128},
		Storage: StorageConfig{
			Backend: "leveldb",
			Path:    "data/edgeai.ldb",
		},
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Observability: observability.DefaultConfig(),
	}
}
