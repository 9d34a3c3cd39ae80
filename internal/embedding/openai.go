package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	apperrors "edgeai/internal/errors"
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint (OpenAI,
// LiteLLM, llama.cpp server, vLLM).
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder builds an embedder. baseURL and apiKey may be empty to
// use the SDK defaults and environment.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return NewOpenAIEmbedderFromClient(&client, model, dims)
}

// NewOpenAIEmbedderFromClient reuses an existing client.
func NewOpenAIEmbedderFromClient(client *openai.Client, model string, dims int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model, dims: dims}
}

func (o *OpenAIEmbedder) Dimensions() int { return o.dims }
func (o *OpenAIEmbedder) Model() string   { return o.model }

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || int(item.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: invalid index %d", item.Index)
		}
		if len(item.Embedding) != o.dims {
			return nil, fmt.Errorf("openai embeddings: model %s returned %d dimensions, configured %d: %w",
				o.model, len(item.Embedding), o.dims, apperrors.ErrEmbeddingMismatch)
		}
		v := make([]float32, len(item.Embedding))
		for i, x := range item.Embedding {
			v[i] = float32(x)
		}
		out[item.Index] = normalize(v)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}
