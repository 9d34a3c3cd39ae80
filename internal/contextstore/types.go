// Package contextstore is the per-agent memory (MCP): an append-only log per
// namespace, similarity recall over it, and compaction of old entries into
// derived summaries. Originals are never mutated; compaction only marks them
// archived.
package contextstore

import (
	"context"
	"time"
)

// Kind distinguishes how an entry was produced.
type Kind string

const (
	KindTurn    Kind = "turn"
	KindSummary Kind = "summary"
	KindNote    Kind = "note"
)

// Entry is one immutable record of a namespace log. A namespace is an
// agent's own log (named after the agent id) or a shared namespace.
type Entry struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	AgentID   string    `json:"agent_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id,omitempty"`
	// Degraded marks content from an inference that finished abnormally.
	Degraded bool `json:"degraded,omitempty"`
	Tokens   int  `json:"tokens"`
	// Embedding is recorded together with the version of the space it lives in.
	Embedding        []float32 `json:"embedding,omitempty"`
	EmbeddingVersion string    `json:"embedding_version,omitempty"`
	// SummaryOf lists the ids merged into a summary entry.
	SummaryOf []string          `json:"summary_of,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	// Archived is derived from archive markers and never stored with the entry.
	Archived bool `json:"archived"`
}

// Recency scores an entry for tie-breaking: newer is higher.
func (e Entry) Recency() float64 {
	return float64(e.Timestamp.UnixNano()) / 1e9
}

// Result is a recalled entry with its similarity to the query.
type Result struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Stats summarizes one namespace.
type Stats struct {
	Namespace    string `json:"namespace"`
	Entries      int    `json:"entries"`
	Active       int    `json:"active"`
	Archived     int    `json:"archived"`
	Summaries    int    `json:"summaries"`
	ActiveTokens int    `json:"active_tokens"`
	// Stale counts active entries embedded with another embedding version.
	Stale int `json:"stale"`
}

// Embedder is the slice of the embedding service the store needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Condense(ctx context.Context, texts []string, maxTokens int) (string, error)
	Version() string
	Dimensions() int
}

type queryOptions struct {
	namespaces      []string
	includeArchived bool
	version         string
}

// QueryOption adjusts a Query.
type QueryOption func(*queryOptions)

// WithNamespaces adds explicitly shared namespaces to the search.
func WithNamespaces(namespaces ...string) QueryOption {
	return func(o *queryOptions) {
		o.namespaces = append(o.namespaces, namespaces...)
	}
}

// WithArchived includes archived entries.
func WithArchived() QueryOption {
	return func(o *queryOptions) { o.includeArchived = true }
}

// WithVersion declares the embedding version of the query vector. Queries
// from another version fail with ErrEmbeddingMismatch.
func WithVersion(version string) QueryOption {
	return func(o *queryOptions) { o.version = version }
}
