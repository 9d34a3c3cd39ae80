// Package registry tracks which quantized models are resident in device
// memory, reference-counts their users and evicts idle models in LRU order
// when a pending acquire needs room.
package registry

import (
	"context"
	"time"
)

// State is the load state of a model.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateResident State = "resident"
	StateEvicting State = "evicting"
)

// ModelSpec is the static description of a loadable model.
type ModelSpec struct {
	ID           string
	Quantization string
	FootprintMB  int64
	// BackendName is the name the inference backend knows the model by.
	BackendName string
	// Artifact is an optional local file backing the model.
	Artifact string
}

// Name returns BackendName, falling back to ID.
func (s ModelSpec) Name() string {
	if s.BackendName != "" {
		return s.BackendName
	}
	return s.ID
}

// Handle is a point-in-time view of a model's registry entry.
type Handle struct {
	ModelID       string    `json:"model_id"`
	BackendName   string    `json:"backend_name"`
	Quantization  string    `json:"quantization"`
	FootprintMB   int64     `json:"footprint_mb"`
	State         State     `json:"state"`
	Refs          int       `json:"refs"`
	LastUsed      time.Time `json:"last_used,omitempty"`
	LoadCount     int       `json:"load_count"`
	EvictionCount int       `json:"eviction_count"`
}

// Loader materializes and drops model weights on the device.
type Loader interface {
	Load(ctx context.Context, spec ModelSpec) error
	Unload(ctx context.Context, spec ModelSpec) error
}

// ResidentLister is optionally implemented by loaders that can report which
// models are still in device memory, e.g. after a process restart.
type ResidentLister interface {
	ListResident(ctx context.Context) ([]string, error)
}

// Usage summarizes memory accounting.
type Usage struct {
	BudgetMB int64 `json:"budget_mb"`
	UsedMB   int64 `json:"used_mb"`
	Resident int   `json:"resident"`
	Idle     int   `json:"idle"`
	Waiting  int   `json:"waiting"`
}
