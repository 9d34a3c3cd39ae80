package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashEmbedder is an offline feature-hashing embedder. Unigrams and bigrams
// are hashed into a fixed number of signed buckets and the result is L2
// normalized, so identical texts always map to identical vectors.
type HashEmbedder struct {
	dims  int
	model string
}

// NewHashEmbedder returns a hashing embedder with the given dimensions.
func NewHashEmbedder(model string, dims int) *HashEmbedder {
	if model == "" {
		model = "hash-v1"
	}
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims, model: model}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }
func (h *HashEmbedder) Model() string   { return h.model }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		h.add(v, w, 1)
		if i > 0 {
			h.add(v, words[i-1]+" "+w, 0.5)
		}
	}
	return normalize(v)
}

func (h *HashEmbedder) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
