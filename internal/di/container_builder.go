package di

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/mem"

	"edgeai/internal/agent/runtime"
	"edgeai/internal/bus"
	"edgeai/internal/config"
	"edgeai/internal/contextstore"
	"edgeai/internal/domain/agent"
	"edgeai/internal/embedding"
	apperrors "edgeai/internal/errors"
	"edgeai/internal/inference"
	"edgeai/internal/logging"
	"edgeai/internal/observability"
	"edgeai/internal/orchestrator"
	"edgeai/internal/registry"
	"edgeai/internal/scheduler"
	"edgeai/internal/storage/kv"
)

// compactorAgentID is the scheduler identity used for summarization.
const compactorAgentID = "compactor"

// autoBudgetFraction is the share of physical memory given to models when
// registry.memory_budget_mb is 0.
const autoBudgetFraction = 0.7

// Option overrides a dependency, mainly for tests.
type Option func(*containerBuilder)

// WithRegisterer registers component collectors with reg instead of the
// global registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(b *containerBuilder) { b.registerer = reg }
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store kv.Store) Option {
	return func(b *containerBuilder) { b.store = store }
}

// WithBackend replaces the configured inference backend and loader.
func WithBackend(backend inference.Backend, loader registry.Loader) Option {
	return func(b *containerBuilder) {
		b.backend = backend
		b.loader = loader
	}
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e embedding.Embedder) Option {
	return func(b *containerBuilder) { b.embedder = e }
}

type containerBuilder struct {
	cfg        config.Config
	logger     logging.Logger
	registerer prometheus.Registerer
	store      kv.Store
	backend    inference.Backend
	loader     registry.Loader
	embedder   embedding.Embedder
	memTotal   func() (uint64, error)
}

// BuildContainer builds the dependency injection container from a validated
// configuration. Nothing runs until Start.
func BuildContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	b := &containerBuilder{
		cfg:        cfg,
		logger:     logging.NewComponentLogger("DI"),
		registerer: prometheus.DefaultRegisterer,
		memTotal:   physicalMemory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.Build(ctx)
}

func (b *containerBuilder) Build(ctx context.Context) (c *Container, err error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	profiles, err := b.cfg.Profiles()
	if err != nil {
		return nil, err
	}

	c = &Container{Config: b.cfg, logger: b.logger}
	defer func() {
		if err != nil {
			_ = c.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	if c.Tracer, err = observability.NewTracerProvider(b.cfg.Observability.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if c.Metrics, err = observability.NewMetricsCollector(b.cfg.Observability.Metrics); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if c.Store, err = b.buildStore(ctx); err != nil {
		return nil, err
	}

	c.Bus = bus.New(
		bus.WithBuffer(b.cfg.Bus.SubscriberBuffer),
		bus.WithLogger(logging.NewComponentLogger("Bus")),
		bus.WithMetrics(bus.NewMetrics(b.registerer)),
	)

	c.Scheduler, err = scheduler.New(scheduler.Config{
		Parallelism:    b.cfg.Scheduler.Parallelism,
		QueueTimeout:   b.cfg.Scheduler.QueueTimeout,
		MaxHold:        b.cfg.Scheduler.MaxHold,
		AgingThreshold: b.cfg.Scheduler.AgingThreshold,
		PriorityTiers:  b.cfg.Scheduler.PriorityTiers,
	},
		scheduler.WithLogger(logging.NewComponentLogger("Scheduler")),
		scheduler.WithMetrics(scheduler.NewMetrics(b.registerer)),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	backend, loader, breaker, err := b.buildInference(c.Metrics)
	if err != nil {
		return nil, err
	}
	c.Backend, c.Breaker = backend, breaker

	budget, err := b.memoryBudget()
	if err != nil {
		return nil, err
	}
	c.Registry, err = registry.New(b.modelSpecs(), registry.Options{
		BudgetMB:       budget,
		AcquireTimeout: b.cfg.Registry.AcquireTimeout,
		Loader:         loader,
		Store:          c.Store,
		Logger:         logging.NewComponentLogger("Registry"),
		Metrics:        registry.NewMetrics(b.registerer),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	c.Embeddings, err = b.buildEmbeddings(c.Scheduler, c.Registry, c.Backend, profiles)
	if err != nil {
		return nil, err
	}

	index, err := contextstore.NewIndex(b.cfg.Context.Index)
	if err != nil {
		return nil, fmt.Errorf("context index: %w", err)
	}
	grants := make(map[string][]string, len(profiles))
	for _, p := range profiles {
		if len(p.SharedNamespaces) > 0 {
			grants[agent.ID(p.Role)] = p.SharedNamespaces
		}
	}
	c.Context, err = contextstore.New(contextstore.Options{
		Embedder:        c.Embeddings,
		Index:           index,
		KV:              c.Store,
		ProtectedRecent: b.cfg.Context.ProtectedRecent,
		TokenBudget:     b.cfg.Context.TokenBudget,
		Grants:          grants,
		Logger:          logging.NewComponentLogger("ContextStore"),
	})
	if err != nil {
		return nil, fmt.Errorf("context store: %w", err)
	}
	if b.cfg.Context.CompactionSchedule != "" {
		c.Compactor, err = contextstore.NewCompactor(c.Context, contextstore.CompactorConfig{
			Schedule: b.cfg.Context.CompactionSchedule,
			Window:   b.cfg.Context.CompactionWindow,
			Workers:  b.cfg.Scheduler.Parallelism,
		}, logging.NewComponentLogger("Compactor"))
		if err != nil {
			return nil, fmt.Errorf("compactor: %w", err)
		}
	}

	agents := make([]orchestrator.Agent, 0, len(profiles))
	for _, p := range profiles {
		rt, err := runtime.New(p, runtime.Config{
			MaxRetries:        b.cfg.Runtime.MaxRetries,
			BaseBackoff:       b.cfg.Runtime.BaseBackoff,
			MaxBackoff:        b.cfg.Runtime.MaxBackoff,
			RecallK:           b.cfg.Runtime.RecallK,
			PromptTokenBudget: b.cfg.Runtime.PromptTokenBudget,
			MaxTokens:         b.cfg.Runtime.MaxTokens,
			Temperature:       b.cfg.Runtime.Temperature,
		}, runtime.Deps{
			Models:  c.Registry,
			Slots:   c.Scheduler,
			Memory:  c.Context,
			Backend: c.Backend,
			Bus:     c.Bus,
			Tracer:  c.Tracer,
			Metrics: c.Metrics,
			Logger:  logging.NewComponentLogger("Agent." + p.Role.String()),
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", p.Role, err)
		}
		c.Runtimes = append(c.Runtimes, rt)
		agents = append(agents, rt)
	}

	c.Orchestrator, err = orchestrator.New(orchestrator.Config{
		MaxActiveAgents: b.cfg.Orchestrator.MaxActiveAgents,
		QueueSize:       b.cfg.Orchestrator.QueueSize,
		MaxHandoffDepth: b.cfg.Orchestrator.MaxHandoffDepth,
	}, orchestrator.Options{
		Agents:  agents,
		Store:   c.Store,
		Bus:     c.Bus,
		Metrics: orchestrator.NewMetrics(b.registerer),
		Logger:  logging.NewComponentLogger("Orchestrator"),
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	b.logger.Debug("Built container: %d agents, %d models, budget %d MB, storage %s",
		len(agents), len(b.cfg.Models), budget, b.cfg.Storage.Backend)
	return c, nil
}

func (b *containerBuilder) buildStore(ctx context.Context) (kv.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	cfg := kv.Config{Backend: b.cfg.Storage.Backend, DSN: b.cfg.Storage.DSN}
	if cfg.Backend == "leveldb" {
		cfg.Path = resolveStoragePath(b.cfg.Storage.Path, "~/.edgeai/data")
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", filepath.Dir(cfg.Path), err)
		}
	}
	store, err := kv.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return store, nil
}

func (b *containerBuilder) modelSpecs() []registry.ModelSpec {
	specs := make([]registry.ModelSpec, 0, len(b.cfg.Models))
	for _, m := range b.cfg.Models {
		specs = append(specs, registry.ModelSpec{
			ID:           m.ID,
			Quantization: m.Quantization,
			FootprintMB:  m.FootprintMB,
			BackendName:  m.BackendName,
			Artifact:     resolveStoragePath(m.Artifact, ""),
		})
	}
	return specs
}

// memoryBudget returns the configured budget, or a share of physical memory
// when none is configured.
func (b *containerBuilder) memoryBudget() (int64, error) {
	if b.cfg.Registry.MemoryBudgetMB > 0 {
		return b.cfg.Registry.MemoryBudgetMB, nil
	}
	total, err := b.memTotal()
	if err != nil {
		return 0, fmt.Errorf("registry: detect physical memory: %w", err)
	}
	budget := int64(float64(total>>20) * autoBudgetFraction)
	if budget <= 0 {
		return 0, fmt.Errorf("registry: physical memory too small for a model budget")
	}
	b.logger.Info("Model memory budget set to %d MB (%.0f%% of %d MB)", budget, autoBudgetFraction*100, total>>20)
	return budget, nil
}

func physicalMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

func (b *containerBuilder) buildInference(metrics *observability.MetricsCollector) (inference.Backend, registry.Loader, *apperrors.CircuitBreaker, error) {
	cfg := b.cfg.Inference
	logger := logging.NewComponentLogger("Inference")

	backend, loader := b.backend, b.loader
	if backend == nil {
		switch cfg.Provider {
		case "ollama":
			o := inference.NewOllama(inference.OllamaOptions{
				BaseURL:   cfg.BaseURL,
				Timeout:   cfg.Timeout,
				KeepAlive: cfg.KeepAlive,
				Logger:    logger,
			})
			backend, loader = o, o
		case "openai":
			var opts []option.RequestOption
			if cfg.Timeout > 0 {
				opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
			}
			backend, loader = inference.NewOpenAI(cfg.BaseURL, inferenceAPIKey(cfg.APIKey), opts...), inference.NopLoader{}
		case "static":
			backend, loader = inference.Static{}, inference.NopLoader{}
		default:
			return nil, nil, nil, fmt.Errorf("inference: unsupported provider %q", cfg.Provider)
		}
	}
	if loader == nil {
		loader = inference.NopLoader{}
	}
	loader = inference.ArtifactLoader{Next: loader}

	if cfg.RateLimit > 0 {
		backend = inference.RateLimited(backend, cfg.RateLimit, cfg.RateBurst)
	}
	var breaker *apperrors.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = apperrors.NewCircuitBreaker("inference", apperrors.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: 1,
			Timeout:          cfg.CircuitBreaker.Timeout,
			OnStateChange: func(from, to apperrors.CircuitState, name string) {
				logger.Warn("Circuit %s: %s -> %s", name, from, to)
			},
		}, logger)
		backend = inference.WithCircuitBreaker(backend, breaker)
	}
	backend = inference.Instrumented(backend, metrics, logger)
	return backend, loader, breaker, nil
}

func (b *containerBuilder) buildEmbeddings(sched *scheduler.Scheduler, reg *registry.Registry, backend inference.Backend, profiles []agent.Profile) (*embedding.Service, error) {
	cfg := b.cfg.Embedding
	embedder := b.embedder
	if embedder == nil {
		switch cfg.Provider {
		case "hash":
			embedder = embedding.NewHashEmbedder(cfg.Model, cfg.Dimensions)
		case "ollama":
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = b.cfg.Inference.BaseURL
			}
			embedder = embedding.NewOllamaEmbedder(baseURL, cfg.Model, cfg.Dimensions, b.cfg.Inference.Timeout)
		case "openai":
			baseURL := cfg.BaseURL
			if baseURL == "" {
				baseURL = b.cfg.Inference.BaseURL
			}
			embedder = embedding.NewOpenAIEmbedder(baseURL, inferenceAPIKey(b.cfg.Inference.APIKey), cfg.Model, cfg.Dimensions)
		default:
			return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
		}
	}

	logger := logging.NewComponentLogger("Embedding")
	var condenser embedding.Condenser = embedding.Extractive{}
	if cfg.Condenser == "inference" {
		model := summaryModel(profiles)
		condenser = embedding.Generative{
			Generate: summaryGenerator(sched, reg, backend, model),
			Logger:   logger,
		}
		b.logger.Debug("Summaries use model %s", model)
	}

	svc, err := embedding.NewService(embedder, embedding.Options{
		CacheSize:    cfg.CacheSize,
		Concurrency:  cfg.Concurrency,
		QueueTimeout: cfg.QueueTimeout,
		Condenser:    condenser,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return svc, nil
}

// summaryModel prefers the archivist's model, then the first agent's.
func summaryModel(profiles []agent.Profile) string {
	for _, p := range profiles {
		if p.Role == agent.RoleArchivist {
			return p.Model
		}
	}
	if len(profiles) > 0 {
		return profiles[0].Model
	}
	return ""
}

// summaryGenerator runs summarization through the same slot and model
// discipline as agent turns, at the lowest priority.
func summaryGenerator(sched *scheduler.Scheduler, reg *registry.Registry, backend inference.Backend, modelID string) embedding.Generator {
	return func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		slot, err := sched.Acquire(ctx, compactorAgentID, 0)
		if err != nil {
			return "", err
		}
		defer func() { _ = sched.Release(slot) }()

		handle, err := reg.Acquire(ctx, modelID)
		if err != nil {
			return "", err
		}
		defer func() { _ = reg.Release(modelID) }()

		inferCtx, cancel := slot.Context(ctx)
		defer cancel()
		res, err := backend.Infer(inferCtx, handle, prompt, inference.Params{MaxTokens: maxTokens, Temperature: 0.2})
		if revoked := slot.Err(); revoked != nil {
			return "", revoked
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(res.Text), nil
	}
}
