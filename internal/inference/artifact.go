package inference

import (
	"context"
	"fmt"
	"os"

	"edgeai/internal/registry"
)

var _ registry.Loader = ArtifactLoader{}

// ArtifactLoader checks that a model's quantized artifact exists on disk
// before delegating the load. Specs without an artifact pass straight through.
type ArtifactLoader struct {
	Next registry.Loader
}

func (a ArtifactLoader) Load(ctx context.Context, spec registry.ModelSpec) error {
	if spec.Artifact != "" {
		info, err := os.Stat(spec.Artifact)
		if err != nil {
			return fmt.Errorf("model artifact %s: %w", spec.Artifact, err)
		}
		if info.IsDir() || info.Size() == 0 {
			return fmt.Errorf("model artifact %s is not a weights file", spec.Artifact)
		}
	}
	if a.Next == nil {
		return nil
	}
	return a.Next.Load(ctx, spec)
}

func (a ArtifactLoader) Unload(ctx context.Context, spec registry.ModelSpec) error {
	if a.Next == nil {
		return nil
	}
	return a.Next.Unload(ctx, spec)
}

// ListResident forwards to the wrapped loader when it can list models.
func (a ArtifactLoader) ListResident(ctx context.Context) ([]string, error) {
	if lister, ok := a.Next.(registry.ResidentLister); ok {
		return lister.ListResident(ctx)
	}
	return nil, nil
}
