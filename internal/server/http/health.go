package http

import "context"

// Health statuses reported by probes.
const (
	HealthStatusReady    = "ready"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
	HealthStatusDisabled = "disabled"
)

// ComponentHealth is one probe result.
type ComponentHealth struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthProbe checks one component.
type HealthProbe interface {
	Check(ctx context.Context) ComponentHealth
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context) ComponentHealth

func (f ProbeFunc) Check(ctx context.Context) ComponentHealth { return f(ctx) }
