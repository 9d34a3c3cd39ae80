package contextstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"edgeai/internal/embedding"
)

// Index holds the recallable (active, current-version) entries of every
// namespace and answers nearest-neighbour searches over a set of namespaces.
type Index interface {
	Add(ctx context.Context, e Entry) error
	Remove(ctx context.Context, namespace string, ids ...string) error
	Search(ctx context.Context, namespaces []string, query []float32, k int) ([]embedding.Match, error)
}

// NewIndex returns the index backend by name: memory (default) or chromem.
func NewIndex(kind string) (Index, error) {
	switch kind {
	case "", "memory":
		return NewMemoryIndex(), nil
	case "chromem":
		return NewChromemIndex(), nil
	default:
		return nil, fmt.Errorf("contextstore: unknown index %q", kind)
	}
}

// MemoryIndex is an exhaustive cosine scan.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string]map[string]embedding.Candidate
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]map[string]embedding.Candidate)}
}

func (m *MemoryIndex) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns := m.items[e.Namespace]
	if ns == nil {
		ns = make(map[string]embedding.Candidate)
		m.items[e.Namespace] = ns
	}
	ns[e.ID] = embedding.Candidate{ID: e.ID, Vector: e.Embedding, Recency: e.Recency()}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, namespace string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items[namespace], id)
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, namespaces []string, query []float32, k int) ([]embedding.Match, error) {
	m.mu.RLock()
	var corpus []embedding.Candidate
	for _, ns := range namespaces {
		for _, c := range m.items[ns] {
			corpus = append(corpus, c)
		}
	}
	m.mu.RUnlock()
	return embedding.Nearest(query, corpus, k), nil
}

// ChromemIndex keeps one chromem-go collection per namespace. Embeddings are
// always supplied by the store, so collections carry no embedding function
// of their own.
type ChromemIndex struct {
	db *chromem.DB
	mu sync.Mutex
	// docs keeps a collection's count stable between Count and Query, which
	// chromem rejects when nResults exceeds the documents present.
	docs sync.RWMutex
}

func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{db: chromem.NewDB()}
}

const recencyKey = "recency"

func (c *ChromemIndex) collection(namespace string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.db.GetOrCreateCollection(namespace, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("chromem collection %s: %w", namespace, err)
	}
	return col, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("contextstore: chromem index requires precomputed embeddings")
}

func (c *ChromemIndex) Add(ctx context.Context, e Entry) error {
	col, err := c.collection(e.Namespace)
	if err != nil {
		return err
	}
	vec := make([]float32, len(e.Embedding))
	copy(vec, e.Embedding)
	c.docs.Lock()
	defer c.docs.Unlock()
	return col.AddDocument(ctx, chromem.Document{
		ID:        e.ID,
		Content:   e.Content,
		Embedding: vec,
		Metadata:  map[string]string{recencyKey: strconv.FormatFloat(e.Recency(), 'f', -1, 64)},
	})
}

func (c *ChromemIndex) Remove(ctx context.Context, namespace string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := c.collection(namespace)
	if err != nil {
		return err
	}
	c.docs.Lock()
	defer c.docs.Unlock()
	return col.Delete(ctx, nil, nil, ids...)
}

func (c *ChromemIndex) Search(ctx context.Context, namespaces []string, query []float32, k int) ([]embedding.Match, error) {
	c.docs.RLock()
	defer c.docs.RUnlock()
	var matches []embedding.Match
	for _, ns := range namespaces {
		col, err := c.collection(ns)
		if err != nil {
			return nil, err
		}
		n := min(k, col.Count())
		if n == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("chromem query %s: %w", ns, err)
		}
		for _, r := range results {
			recency, _ := strconv.ParseFloat(r.Metadata[recencyKey], 64)
			matches = append(matches, embedding.Match{ID: r.ID, Score: float64(r.Similarity), Recency: recency})
		}
	}
	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func sortMatches(matches []embedding.Match) {
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
}
