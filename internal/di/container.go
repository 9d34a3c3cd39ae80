// Package di assembles the process from configuration: storage, bus,
// scheduler, registry, inference backend, embeddings, context store, agent
// runtimes and the orchestrator.
package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"edgeai/internal/agent/runtime"
	"edgeai/internal/bus"
	"edgeai/internal/config"
	"edgeai/internal/contextstore"
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

// Container holds all application dependencies
type Container struct {
	Config       config.Config
	Store        kv.Store
	Bus          *bus.Bus
	Scheduler    *scheduler.Scheduler
	Registry     *registry.Registry
	Backend      inference.Backend
	Breaker      *apperrors.CircuitBreaker
	Embeddings   *embedding.Service
	Context      *contextstore.Store
	Compactor    *contextstore.Compactor
	Runtimes     []*runtime.Runtime
	Orchestrator *orchestrator.Orchestrator
	Tracer       *observability.TracerProvider
	Metrics      *observability.MetricsCollector

	logger  logging.Logger
	started bool
}

// Start restores persisted state and begins processing tasks.
func (c *Container) Start(ctx context.Context) error {
	if c.started {
		return nil
	}
	if err := c.Registry.Recover(ctx); err != nil {
		c.logger.Warn("Model registry recovery failed: %v", err)
	}
	if err := c.Context.Load(ctx); err != nil {
		return fmt.Errorf("load context store: %w", err)
	}
	if c.Compactor != nil {
		if err := c.Compactor.Start(ctx); err != nil {
			return fmt.Errorf("start compactor: %w", err)
		}
	}
	if err := c.Orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	c.started = true
	c.logger.Info("Started %d agents", len(c.Runtimes))
	return nil
}

// Shutdown stops work in dependency order and releases resources.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
		}
	}
	if c.Compactor != nil {
		c.Compactor.Stop()
	}
	if c.Scheduler != nil {
		c.Scheduler.Close()
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

// resolveStoragePath expands ~ and environment variables in a configured
// path, falling back to defaultVal when it is empty.
func resolveStoragePath(configured, defaultVal string) string {
	path := configured
	if path == "" {
		path = defaultVal
	}
	if path == "" {
		return ""
	}

	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}
	return os.ExpandEnv(path)
}

// inferenceAPIKey returns the configured key, or the first key found in the
// environment.
func inferenceAPIKey(configured string) string {
	if configured != "" {
		return configured
	}
	for _, env := range []string{"EDGEAI_INFERENCE_API_KEY", "OPENAI_API_KEY"} {
		if key := os.Getenv(env); key != "" {
			return key
		}
	}
	return ""
}
