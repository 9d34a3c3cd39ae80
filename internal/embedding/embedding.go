// Package embedding is the shared embedding and recall service. One Service
// instance backs every agent; requests beyond its concurrency queue and fail
// with QueueTimeout if they wait too long.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
)

// Embedder turns texts into vectors. Implementations must be deterministic
// for a fixed Model and Dimensions.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Model() string
}

// Condenser merges several texts, oldest first, into one summary text of at
// most maxTokens tokens.
type Condenser interface {
	Condense(ctx context.Context, texts []string, maxTokens int) (string, error)
}

// Options tunes a Service.
type Options struct {
	CacheSize    int
	Concurrency  int
	QueueTimeout time.Duration
	Condenser    Condenser
	Logger       logging.Logger
}

// Service wraps an Embedder with a cache, bounded concurrency and the
// condensation capability used by context compaction.
type Service struct {
	embedder     Embedder
	condenser    Condenser
	cache        *lru.Cache[string, []float32]
	sem          *semaphore.Weighted
	queueTimeout time.Duration
	version      string
	logger       logging.Logger
}

// NewService builds the shared service.
func NewService(embedder Embedder, opts Options) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedding: embedder is required")
	}
	if embedder.Dimensions() <= 0 {
		return nil, fmt.Errorf("embedding: embedder %s reports no dimensions", embedder.Model())
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 2048
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	condenser := opts.Condenser
	if condenser == nil {
		condenser = Extractive{}
	}
	return &Service{
		embedder:     embedder,
		condenser:    condenser,
		cache:        cache,
		sem:          semaphore.NewWeighted(int64(opts.Concurrency)),
		queueTimeout: opts.QueueTimeout,
		version:      fmt.Sprintf("%s@%d", embedder.Model(), embedder.Dimensions()),
		logger:       logging.OrNop(opts.Logger),
	}, nil
}

// Version identifies the embedding space. Vectors of different versions are
// not comparable.
func (s *Service) Version() string { return s.version }

// Dimensions is the vector length produced by Embed.
func (s *Service) Dimensions() int { return s.embedder.Dimensions() }

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per text, serving repeats from the cache.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding: no texts provided: %w", apperrors.ErrInvalidArgument)
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := s.cache.Get(s.cacheKey(text)); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	if err := s.acquire(ctx, "embedding request"); err != nil {
		return nil, err
	}
	vectors, err := s.embedder.Embed(ctx, missTexts)
	s.sem.Release(1)
	if err != nil {
		return nil, fmt.Errorf("embed %d texts with %s: %w", len(missTexts), s.version, err)
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedding: %s returned %d vectors for %d texts", s.version, len(vectors), len(missTexts))
	}

	dims := s.embedder.Dimensions()
	for i, idx := range missIdx {
		if len(vectors[i]) != dims {
			return nil, fmt.Errorf("embedding: %s returned %d dimensions, want %d: %w",
				s.version, len(vectors[i]), dims, apperrors.ErrEmbeddingMismatch)
		}
		s.cache.Add(s.cacheKey(texts[idx]), vectors[i])
		results[idx] = vectors[i]
	}
	return results, nil
}

// Condense summarizes texts with the configured condenser. It shares the
// request queue with Embed.
func (s *Service) Condense(ctx context.Context, texts []string, maxTokens int) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}
	if err := s.acquire(ctx, "condense request"); err != nil {
		return "", err
	}
	defer s.sem.Release(1)
	return s.condenser.Condense(ctx, texts, maxTokens)
}

func (s *Service) acquire(ctx context.Context, what string) error {
	waitCtx := ctx
	if s.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.queueTimeout)
		defer cancel()
	}
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Warn("%s waited longer than %v", what, s.queueTimeout)
		return apperrors.QueueTimeout(what)
	}
	return nil
}

func (s *Service) cacheKey(text string) string {
	return s.version + "\x00" + text
}

// Candidate is one corpus item for Nearest.
type Candidate struct {
	ID      string
	Vector  []float32
	Recency float64
}

// Match is a ranked Nearest result.
type Match struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Recency float64 `json:"recency"`
}

// Nearest ranks corpus by descending cosine similarity to query and returns
// at most k matches. Ties prefer higher recency, then lower ID. Candidates
// whose length differs from the query are skipped.
func Nearest(query []float32, corpus []Candidate, k int) []Match {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(corpus))
	for _, c := range corpus {
		if len(c.Vector) != len(query) {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Score: Cosine(query, c.Vector), Recency: c.Recency})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Recency != b.Recency {
			return a.Recency > b.Recency
		}
		return a.ID < b.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
