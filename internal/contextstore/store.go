package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"edgeai/internal/embedding"
	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	"edgeai/internal/storage/kv"
	"edgeai/internal/token"
	id "edgeai/internal/utils/id"
)

const keyPrefix = "ctx/"

// Options configures a Store.
type Options struct {
	Embedder Embedder
	// Index defaults to a MemoryIndex.
	Index Index
	// KV persists entries and archive markers. Optional.
	KV kv.Store
	// ProtectedRecent is the number of newest active entries per namespace
	// that compaction never archives.
	ProtectedRecent int
	// TokenBudget is the active-token size above which the compactor
	// summarizes a namespace.
	TokenBudget int
	// SummaryTokens caps a derived summary. Defaults to TokenBudget/4.
	SummaryTokens int
	// Grants maps an agent id to the shared namespaces it may read.
	Grants map[string][]string
	Logger logging.Logger
	Clock  func() time.Time
}

type namespaceLog struct {
	mu      sync.RWMutex
	entries []*Entry
	nextSeq uint64
	// compact serializes summarizations of this namespace.
	compact sync.Mutex
}

// Store is the context store.
type Store struct {
	embedder        Embedder
	index           Index
	kv              kv.Store
	protectedRecent int
	tokenBudget     int
	summaryTokens   int
	grants          map[string][]string
	logger          logging.Logger
	now             func() time.Time

	mu   sync.RWMutex
	logs map[string]*namespaceLog
}

// New builds an empty store. Call Load to restore persisted entries.
func New(opts Options) (*Store, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("contextstore: embedder is required")
	}
	if opts.ProtectedRecent < 0 {
		return nil, fmt.Errorf("contextstore: protected recent must not be negative")
	}
	s := &Store{
		embedder:        opts.Embedder,
		index:           opts.Index,
		kv:              opts.KV,
		protectedRecent: opts.ProtectedRecent,
		tokenBudget:     opts.TokenBudget,
		summaryTokens:   opts.SummaryTokens,
		grants:          opts.Grants,
		logger:          logging.OrNop(opts.Logger),
		now:             opts.Clock,
		logs:            make(map[string]*namespaceLog),
	}
	if s.index == nil {
		s.index = NewMemoryIndex()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.summaryTokens <= 0 {
		s.summaryTokens = max(s.tokenBudget/4, 256)
	}
	return s, nil
}

func (s *Store) log(namespace string, create bool) *namespaceLog {
	s.mu.RLock()
	l := s.logs[namespace]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[namespace]; l == nil {
		l = &namespaceLog{}
		s.logs[namespace] = l
	}
	return l
}

// Append adds entry to the agent's own log. The entry is always recorded in
// memory; a non-nil error reports that persisting or embedding it failed.
func (s *Store) Append(ctx context.Context, agentID string, entry Entry) (Entry, error) {
	return s.AppendShared(ctx, agentID, agentID, entry)
}

// AppendShared adds entry written by agentID to namespace.
func (s *Store) AppendShared(ctx context.Context, namespace, agentID string, entry Entry) (Entry, error) {
	if namespace == "" {
		return Entry{}, fmt.Errorf("contextstore: namespace is required: %w", apperrors.ErrInvalidArgument)
	}
	entry.Namespace = namespace
	entry.AgentID = agentID
	entry.Archived = false
	if entry.Kind == "" {
		entry.Kind = KindTurn
	}
	if entry.ID == "" {
		entry.ID = id.NewEntryID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	entry.Tokens = token.Count(entry.Content)

	var embedErr error
	if len(entry.Embedding) == 0 && strings.TrimSpace(entry.Content) != "" {
		vec, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			embedErr = fmt.Errorf("embed entry %s: %w", entry.ID, err)
			s.logger.Warn("Appending %s to %s without embedding: %v", entry.ID, namespace, err)
		} else {
			entry.Embedding = vec
			entry.EmbeddingVersion = s.embedder.Version()
		}
	}

	l := s.log(namespace, true)
	l.mu.Lock()
	entry.Seq = l.nextSeq
	l.nextSeq++
	stored := entry
	l.entries = append(l.entries, &stored)
	persistErr := s.putEntry(ctx, stored)
	if s.recallable(stored) {
		if err := s.index.Add(ctx, stored); err != nil {
			s.logger.Warn("Index entry %s: %v", stored.ID, err)
		}
	}
	l.mu.Unlock()

	if persistErr != nil {
		s.logger.Error("Persist entry %s/%d: %v", namespace, stored.Seq, persistErr)
		return stored, persistErr
	}
	return stored, embedErr
}

func (s *Store) recallable(e Entry) bool {
	return !e.Archived && len(e.Embedding) > 0 && e.EmbeddingVersion == s.embedder.Version()
}

// Query returns the k entries nearest to vec from the agent's own log, its
// granted shared namespaces and any namespaces passed with WithNamespaces.
// Archived entries and entries embedded with another version are excluded
// unless WithArchived is given (stale versions are never comparable).
func (s *Store) Query(ctx context.Context, agentID string, vec []float32, k int, opts ...QueryOption) ([]Result, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	version := s.embedder.Version()
	if o.version != "" && o.version != version {
		return nil, fmt.Errorf("contextstore: query embedded with %s, store uses %s: %w", o.version, version, apperrors.ErrEmbeddingMismatch)
	}
	if len(vec) != s.embedder.Dimensions() {
		return nil, fmt.Errorf("contextstore: query has %d dimensions, store uses %d: %w", len(vec), s.embedder.Dimensions(), apperrors.ErrEmbeddingMismatch)
	}
	if k <= 0 {
		return nil, nil
	}
	namespaces := s.namespacesFor(agentID, o.namespaces)

	if o.includeArchived {
		return s.scan(namespaces, vec, k), nil
	}

	matches, err := s.index.Search(ctx, namespaces, vec, k)
	if err != nil {
		return nil, fmt.Errorf("contextstore: search: %w", err)
	}
	byID := s.lookup(namespaces)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		e, ok := byID[m.ID]
		if !ok || e.Archived {
			continue
		}
		results = append(results, Result{Entry: e, Score: m.Score})
	}
	return results, nil
}

// QueryText embeds text with the store's embedder and runs Query.
func (s *Store) QueryText(ctx context.Context, agentID, text string, k int, opts ...QueryOption) ([]Result, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("contextstore: embed query: %w", err)
	}
	return s.Query(ctx, agentID, vec, k, append(opts, WithVersion(s.embedder.Version()))...)
}

func (s *Store) namespacesFor(agentID string, extra []string) []string {
	seen := map[string]bool{agentID: true}
	out := []string{agentID}
	for _, ns := range append(append([]string(nil), s.grants[agentID]...), extra...) {
		if ns != "" && !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	return out
}

func (s *Store) lookup(namespaces []string) map[string]Entry {
	out := make(map[string]Entry)
	for _, ns := range namespaces {
		l := s.log(ns, false)
		if l == nil {
			continue
		}
		l.mu.RLock()
		for _, e := range l.entries {
			out[e.ID] = *e
		}
		l.mu.RUnlock()
	}
	return out
}

func (s *Store) scan(namespaces []string, vec []float32, k int) []Result {
	version := s.embedder.Version()
	byID := make(map[string]Entry)
	for _, e := range s.lookup(namespaces) {
		if len(e.Embedding) > 0 && e.EmbeddingVersion == version {
			byID[e.ID] = e
		}
	}
	corpus := make([]embedding.Candidate, 0, len(byID))
	for _, e := range byID {
		corpus = append(corpus, embedding.Candidate{ID: e.ID, Vector: e.Embedding, Recency: e.Recency()})
	}
	matches := embedding.Nearest(vec, corpus, k)
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{Entry: byID[m.ID], Score: m.Score})
	}
	return results
}

// Entries returns a copy of the namespace log in append order, archived
// entries included.
func (s *Store) Entries(namespace string) []Entry {
	l := s.log(namespace, false)
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	return out
}

// Namespaces lists every namespace with at least one entry, sorted.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.logs))
	for ns := range s.logs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes a namespace.
func (s *Store) Stats(namespace string) Stats {
	st := Stats{Namespace: namespace}
	for _, e := range s.Entries(namespace) {
		st.Entries++
		if e.Kind == KindSummary {
			st.Summaries++
		}
		if e.Archived {
			st.Archived++
			continue
		}
		st.Active++
		st.ActiveTokens += e.Tokens
		if s.stale(e) {
			st.Stale++
		}
	}
	return st
}

func entryKey(namespace string, seq uint64) string {
	return kv.SeqKey(keyPrefix+namespace+"/e/", seq)
}

func archiveKey(namespace string, seq uint64) string {
	return kv.SeqKey(keyPrefix+namespace+"/a/", seq)
}

// splitKey parses "<namespace>/<kind>/<seq>". The kind is read from the
// fixed position before the sequence so namespaces may contain any segment.
func splitKey(rest string) (namespace, kind string, seq uint64, ok bool) {
	n := len(rest) - kv.SeqWidth - 3
	if n < 1 || rest[n] != '/' || rest[n+2] != '/' {
		return "", "", 0, false
	}
	kind = rest[n+1 : n+2]
	if kind != "e" && kind != "a" {
		return "", "", 0, false
	}
	seq, err := strconv.ParseUint(rest[n+3:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return rest[:n], kind, seq, true
}

func (s *Store) putEntry(ctx context.Context, e Entry) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return s.kv.Put(context.WithoutCancel(ctx), entryKey(e.Namespace, e.Seq), data)
}

func (s *Store) putArchived(ctx context.Context, namespace string, seq uint64) error {
	if s.kv == nil {
		return nil
	}
	return s.kv.Put(context.WithoutCancel(ctx), archiveKey(namespace, seq), []byte("1"))
}

// Load rebuilds every namespace log and the recall index from the KV store.
// It must run before the store is used.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	type pending struct {
		entries  []*Entry
		archived map[uint64]bool
	}
	byNS := make(map[string]*pending)
	get := func(ns string) *pending {
		p := byNS[ns]
		if p == nil {
			p = &pending{archived: make(map[uint64]bool)}
			byNS[ns] = p
		}
		return p
	}

	err := s.kv.Scan(ctx, keyPrefix, func(key string, value []byte) error {
		ns, kind, seq, ok := splitKey(strings.TrimPrefix(key, keyPrefix))
		if !ok {
			s.logger.Warn("Skipping malformed context key %s", key)
			return nil
		}
		if kind == "a" {
			get(ns).archived[seq] = true
			return nil
		}
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			s.logger.Warn("Skipping corrupt context entry %s: %v", key, err)
			return nil
		}
		p := get(ns)
		p.entries = append(p.entries, &e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("contextstore: load: %w", err)
	}

	var loaded int
	for ns, p := range byNS {
		sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].Seq < p.entries[j].Seq })
		l := s.log(ns, true)
		l.mu.Lock()
		for _, e := range p.entries {
			e.Namespace = ns
			e.Archived = p.archived[e.Seq]
			if e.Seq >= l.nextSeq {
				l.nextSeq = e.Seq + 1
			}
		}
		l.entries = p.entries
		l.mu.Unlock()

		for _, e := range p.entries {
			if s.recallable(*e) {
				if err := s.index.Add(ctx, *e); err != nil {
					return fmt.Errorf("contextstore: index %s: %w", e.ID, err)
				}
			}
		}
		loaded += len(p.entries)
	}
	s.logger.Info("Loaded %d context entries across %d namespaces", loaded, len(byNS))
	return nil
}
