package di

import (
	"context"
	"errors"

	apperrors "edgeai/internal/errors"
	serverhttp "edgeai/internal/server/http"
)

const healthProbeKey = "health/probe"

// HealthProbes reports storage, inference, scheduler and registry state for
// the /health endpoint.
func (c *Container) HealthProbes() []serverhttp.HealthProbe {
	return []serverhttp.HealthProbe{
		serverhttp.ProbeFunc(c.storageHealth),
		serverhttp.ProbeFunc(c.inferenceHealth),
		serverhttp.ProbeFunc(c.schedulerHealth),
		serverhttp.ProbeFunc(c.registryHealth),
	}
}

func (c *Container) storageHealth(ctx context.Context) serverhttp.ComponentHealth {
	h := serverhttp.ComponentHealth{Name: "storage", Status: serverhttp.HealthStatusReady}
	h.Details = map[string]any{"backend": c.Config.Storage.Backend}
	if _, err := c.Store.Get(ctx, healthProbeKey); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		h.Status = serverhttp.HealthStatusError
		h.Message = err.Error()
	}
	return h
}

func (c *Container) inferenceHealth(context.Context) serverhttp.ComponentHealth {
	h := serverhttp.ComponentHealth{Name: "inference", Status: serverhttp.HealthStatusReady}
	h.Details = map[string]any{"provider": c.Config.Inference.Provider}
	if c.Breaker == nil {
		return h
	}
	state := c.Breaker.State()
	h.Details["circuit"] = state.String()
	switch state {
	case apperrors.StateOpen:
		h.Status = serverhttp.HealthStatusError
		h.Message = "inference circuit open"
	case apperrors.StateHalfOpen:
		h.Status = serverhttp.HealthStatusDegraded
		h.Message = "inference circuit probing"
	}
	return h
}

func (c *Container) schedulerHealth(context.Context) serverhttp.ComponentHealth {
	st := c.Scheduler.Stats()
	h := serverhttp.ComponentHealth{
		Name:   "scheduler",
		Status: serverhttp.HealthStatusReady,
		Details: map[string]any{
			"parallelism": st.Parallelism,
			"held":        st.Held,
			"waiting":     st.Waiting,
			"revoked":     st.Revoked,
		},
	}
	// A queue several times deeper than the slot count means agents mostly wait.
	if st.Waiting > 4*st.Parallelism {
		h.Status = serverhttp.HealthStatusDegraded
		h.Message = "slot queue backed up"
	}
	return h
}

func (c *Container) registryHealth(context.Context) serverhttp.ComponentHealth {
	u := c.Registry.Usage()
	h := serverhttp.ComponentHealth{
		Name:   "registry",
		Status: serverhttp.HealthStatusReady,
		Details: map[string]any{
			"budget_mb": u.BudgetMB,
			"used_mb":   u.UsedMB,
			"resident":  u.Resident,
		},
	}
	if u.Waiting > 0 {
		h.Status = serverhttp.HealthStatusDegraded
		h.Message = "requests waiting for model memory"
	}
	return h
}
