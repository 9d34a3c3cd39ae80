// Package inference adapts model runners to a single Infer call. The core
// never talks to a runner directly; it goes through Backend, and through
// registry.Loader for placing weights on the device.
package inference

import (
	"context"
	"strings"

	"edgeai/internal/registry"
)

// Params tunes one completion. Zero values leave the backend default.
type Params struct {
	System      string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// Result is a completion. Degraded marks output that is usable but
// incomplete, e.g. cut off at the token limit.
type Result struct {
	Text             string `json:"text"`
	Degraded         bool   `json:"degraded,omitempty"`
	DegradedReason   string `json:"degraded_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Backend runs a prompt against a resident model.
type Backend interface {
	Infer(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error)

func (f BackendFunc) Infer(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
	return f(ctx, model, prompt, params)
}

// modelName is the name the runner knows the model by.
func modelName(h registry.Handle) string {
	if h.BackendName != "" {
		return h.BackendName
	}
	return h.ModelID
}

// applyFinishReason flags truncated completions.
func applyFinishReason(res *Result, reason string) {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "length", "max_tokens":
		res.Degraded = true
		res.DegradedReason = "completion truncated at token limit"
	case "content_filter":
		res.Degraded = true
		res.DegradedReason = "completion stopped by content filter"
	}
}

// NopLoader accepts every load and unload. It suits runners that manage
// their own weights.
type NopLoader struct{}

func (NopLoader) Load(context.Context, registry.ModelSpec) error   { return nil }
func (NopLoader) Unload(context.Context, registry.ModelSpec) error { return nil }
