package id

import "context"

type contextKey string

const (
	taskKey        contextKey = "edgeai_task_id"
	agentKey       contextKey = "edgeai_agent_id"
	correlationKey contextKey = "edgeai_correlation_id"
)

// IDs captures the identifiers propagated across agent execution boundaries.
type IDs struct {
	TaskID        string
	AgentID       string
	CorrelationID string
}

// WithTaskID stores the task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithAgentID stores the executing agent identifier on the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, agentKey, agentID)
}

// WithCorrelationID stores the correlation identifier on the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	ctx = WithTaskID(ctx, ids.TaskID)
	ctx = WithAgentID(ctx, ids.AgentID)
	return WithCorrelationID(ctx, ids.CorrelationID)
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	return stringValue(ctx, taskKey)
}

// AgentIDFromContext extracts the agent identifier from context.
func AgentIDFromContext(ctx context.Context) string {
	return stringValue(ctx, agentKey)
}

// CorrelationIDFromContext extracts the correlation identifier from context.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationKey)
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		TaskID:        TaskIDFromContext(ctx),
		AgentID:       AgentIDFromContext(ctx),
		CorrelationID: CorrelationIDFromContext(ctx),
	}
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
