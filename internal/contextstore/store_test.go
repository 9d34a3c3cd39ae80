package contextstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"edgeai/internal/embedding"
	apperrors "edgeai/internal/errors"
	"edgeai/internal/storage/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, model string) *embedding.Service {
	t.Helper()
	svc, err := embedding.NewService(embedding.NewHashEmbedder(model, 128), embedding.Options{})
	require.NoError(t, err)
	return svc
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Embedder == nil {
		opts.Embedder = newService(t, "hash-v1")
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func appendTexts(t *testing.T, s *Store, clock *fakeClock, agentID string, texts ...string) []Entry {
	t.Helper()
	out := make([]Entry, 0, len(texts))
	for _, text := range texts {
		e, err := s.Append(context.Background(), agentID, Entry{Content: text})
		require.NoError(t, err)
		out = append(out, e)
		if clock != nil {
			clock.Advance(time.Minute)
		}
	}
	return out
}

func TestAppendPreservesWriteOrder(t *testing.T) {
	s := newStore(t, Options{})
	var wg sync.WaitGroup
	for agent := 0; agent < 4; agent++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Append(context.Background(), fmt.Sprintf("agent-%d", agent), Entry{Content: fmt.Sprintf("step %d", i)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for agent := 0; agent < 4; agent++ {
		entries := s.Entries(fmt.Sprintf("agent-%d", agent))
		require.Len(t, entries, 25)
		for i, e := range entries {
			assert.Equal(t, uint64(i), e.Seq)
			assert.Equal(t, fmt.Sprintf("step %d", i), e.Content)
			assert.Equal(t, "hash-v1@128", e.EmbeddingVersion)
		}
	}
}

func TestQueryRankingAndIsolation(t *testing.T) {
	for _, kind := range []string{"memory", "chromem"} {
		t.Run(kind, func(t *testing.T) {
			idx, err := NewIndex(kind)
			require.NoError(t, err)
			s := newStore(t, Options{Index: idx, Grants: map[string][]string{"planner": {"team"}}})
			ctx := context.Background()

			appendTexts(t, s, nil, "planner",
				"gpu memory budget",
				"the watcher raised a disk alert",
				"planner decided to ship on friday")
			appendTexts(t, s, nil, "critic", "gpu memory budget review by critic")
			_, err = s.AppendShared(ctx, "team", "strategist", Entry{Content: "team goal: gpu memory budget under control"})
			require.NoError(t, err)

			results, err := s.QueryText(ctx, "planner", "gpu memory budget", 10)
			require.NoError(t, err)
			require.Len(t, results, 4, "own log plus granted team namespace")
			assert.Equal(t, "gpu memory budget", results[0].Entry.Content)
			assert.InDelta(t, 1.0, results[0].Score, 1e-5)
			for i := 1; i < len(results); i++ {
				assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
			}
			for _, r := range results {
				assert.NotEqual(t, "critic", r.Entry.Namespace)
			}

			results, err = s.QueryText(ctx, "critic", "gpu memory budget", 10)
			require.NoError(t, err)
			require.Len(t, results, 1)

			results, err = s.QueryText(ctx, "critic", "gpu memory budget", 10, WithNamespaces("team"))
			require.NoError(t, err)
			assert.Len(t, results, 2)
		})
	}
}

func TestQueryTiesPreferRecentEntries(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, Options{Clock: clock.Now})
	appendTexts(t, s, clock, "builder", "same words", "same words", "same words")

	results, err := s.QueryText(context.Background(), "builder", "same words", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint64(2), results[0].Entry.Seq)
	assert.Equal(t, uint64(1), results[1].Entry.Seq)
	assert.Equal(t, uint64(0), results[2].Entry.Seq)
}

func TestQueryRejectsMismatchedEmbeddings(t *testing.T) {
	s := newStore(t, Options{})
	appendTexts(t, s, nil, "builder", "hello")

	_, err := s.Query(context.Background(), "builder", make([]float32, 64), 3)
	assert.ErrorIs(t, err, apperrors.ErrEmbeddingMismatch)

	_, err = s.Query(context.Background(), "builder", make([]float32, 128), 3, WithVersion("other@128"))
	assert.ErrorIs(t, err, apperrors.ErrEmbeddingMismatch)
}

func TestSummarizeNeverArchivesProtectedEntries(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, Options{Clock: clock.Now, ProtectedRecent: 3})
	var texts []string
	for i := 0; i < 10; i++ {
		texts = append(texts, fmt.Sprintf("observation number %d about the deployment", i))
	}
	originals := appendTexts(t, s, clock, "watcher", texts...)

	nothing, err := s.Summarize(context.Background(), "watcher", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, nothing, "no entry is older than the window")

	summary, err := s.Summarize(context.Background(), "watcher", 0)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, KindSummary, summary.Kind)
	assert.Len(t, summary.SummaryOf, 7)
	assert.Contains(t, summary.Content, "observation number 0")

	entries := s.Entries("watcher")
	require.Len(t, entries, 11)
	for i, e := range entries[:10] {
		assert.Equal(t, originals[i].Content, e.Content, "originals are never rewritten")
		assert.Equal(t, i < 7, e.Archived, "entry %d", i)
	}

	st := s.Stats("watcher")
	assert.Equal(t, 11, st.Entries)
	assert.Equal(t, 4, st.Active)
	assert.Equal(t, 7, st.Archived)
	assert.Equal(t, 1, st.Summaries)

	results, err := s.QueryText(context.Background(), "watcher", "observation number 0 about the deployment", 20)
	require.NoError(t, err)
	assert.Len(t, results, 4)
	for _, r := range results {
		assert.False(t, r.Entry.Archived)
	}

	all, err := s.QueryText(context.Background(), "watcher", "observation number 0 about the deployment", 20, WithArchived())
	require.NoError(t, err)
	assert.Len(t, all, 11)

	// With only protected entries and the summary left, nothing more qualifies
	// for a window that excludes the summary.
	again, err := s.Summarize(context.Background(), "watcher", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 4, s.Stats("watcher").Active)
}

func TestLoadRestoresLogsAndArchiveMarkers(t *testing.T) {
	db, err := kv.OpenLevelDBStorage(storage.NewMemStorage())
	require.NoError(t, err)
	defer db.Close()

	clock := newFakeClock()
	s := newStore(t, Options{KV: db, Clock: clock.Now, ProtectedRecent: 1})
	appendTexts(t, s, clock, "archivist", "first record", "second record", "third record")
	_, err = s.Summarize(context.Background(), "archivist", 0)
	require.NoError(t, err)
	before := s.Entries("archivist")

	restored := newStore(t, Options{KV: db, Clock: clock.Now, ProtectedRecent: 1})
	require.NoError(t, restored.Load(context.Background()))
	after := restored.Entries("archivist")
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Seq, after[i].Seq)
		assert.Equal(t, before[i].Archived, after[i].Archived)
	}

	next, err := restored.Append(context.Background(), "archivist", Entry{Content: "fourth record"})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(before)), next.Seq)

	results, err := restored.QueryText(context.Background(), "archivist", "third record", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Entry.Archived)
	}
}

func TestLoadKeepsNamespacesWithSegmentLikeNames(t *testing.T) {
	db := kv.NewMemoryStore()
	clock := newFakeClock()
	s := newStore(t, Options{KV: db, Clock: clock.Now, ProtectedRecent: 1})
	for _, ns := range []string{"team/a/notes", "team/e/notes"} {
		for _, text := range []string{"first note", "second note", "third note"} {
			_, err := s.AppendShared(context.Background(), ns, "planner", Entry{Content: text})
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}
	}
	_, err := s.Summarize(context.Background(), "team/a/notes", 0)
	require.NoError(t, err)

	restored := newStore(t, Options{KV: db, Clock: clock.Now, ProtectedRecent: 1})
	require.NoError(t, restored.Load(context.Background()))
	for _, ns := range []string{"team/a/notes", "team/e/notes"} {
		before, after := s.Entries(ns), restored.Entries(ns)
		require.Len(t, after, len(before), ns)
		for i := range before {
			assert.Equal(t, before[i].ID, after[i].ID)
			assert.Equal(t, before[i].Archived, after[i].Archived)
		}
	}
	assert.Equal(t, 2, restored.Stats("team/a/notes").Archived)
}

func TestSplitKey(t *testing.T) {
	ns, kind, seq, ok := splitKey(kv.SeqKey("team/a/notes/e/", 7))
	require.True(t, ok)
	assert.Equal(t, "team/a/notes", ns)
	assert.Equal(t, "e", kind)
	assert.EqualValues(t, 7, seq)

	ns, kind, _, ok = splitKey(kv.SeqKey("x/e/a/", 3))
	require.True(t, ok)
	assert.Equal(t, "x/e", ns)
	assert.Equal(t, "a", kind)

	for _, bad := range []string{"", "a/00000000000000000001", kv.SeqKey("ns/z/", 1), "ns/e/12x"} {
		_, _, _, ok := splitKey(bad)
		assert.False(t, ok, bad)
	}
}

type switchableEmbedder struct {
	Embedder
	failing atomic.Bool
}

func (e *switchableEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.failing.Load() {
		return nil, fmt.Errorf("embedding backend down: %w", apperrors.ErrCircuitOpen)
	}
	return e.Embedder.Embed(ctx, text)
}

func TestSummaryThatCannotEmbedIsNotLeftActive(t *testing.T) {
	clock := newFakeClock()
	emb := &switchableEmbedder{Embedder: newService(t, "hash-v1")}
	s := newStore(t, Options{Clock: clock.Now, Embedder: emb, ProtectedRecent: 1})
	appendTexts(t, s, clock, "archivist", "first record", "second record", "third record")

	emb.failing.Store(true)
	for i := 0; i < 2; i++ {
		summary, err := s.Summarize(context.Background(), "archivist", 0)
		require.Error(t, err)
		assert.Nil(t, summary)
	}
	st := s.Stats("archivist")
	assert.Equal(t, 0, st.Summaries)
	assert.Equal(t, 3, st.Active)
	assert.Len(t, s.Entries("archivist"), 3)

	emb.failing.Store(false)
	summary, err := s.Summarize(context.Background(), "archivist", 0)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.Embedding)
	st = s.Stats("archivist")
	assert.Equal(t, 1, st.Summaries)
	assert.Equal(t, 2, st.Active)
}

func TestEmbeddingUpgradeForcesResummarization(t *testing.T) {
	db := kv.NewMemoryStore()
	clock := newFakeClock()
	old := newStore(t, Options{KV: db, Clock: clock.Now, Embedder: newService(t, "hash-v1")})
	appendTexts(t, old, clock, "strategist", "market is growing", "competitor launched", "pricing review", "latest plan")

	upgraded := newStore(t, Options{KV: db, Clock: clock.Now, Embedder: newService(t, "hash-v2"), ProtectedRecent: 1})
	require.NoError(t, upgraded.Load(context.Background()))
	assert.Equal(t, 4, upgraded.Stats("strategist").Stale)

	results, err := upgraded.QueryText(context.Background(), "strategist", "market", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "stale vectors are not comparable")

	compactor, err := NewCompactor(upgraded, CompactorConfig{Window: 24 * time.Hour}, nil)
	require.NoError(t, err)
	report, err := compactor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compacted)

	st := upgraded.Stats("strategist")
	assert.Equal(t, 1, st.Stale, "the protected newest entry stays untouched")
	assert.Equal(t, 1, st.Summaries)

	results, err = upgraded.QueryText(context.Background(), "strategist", "market is growing", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindSummary, results[0].Entry.Kind)
	assert.Contains(t, results[0].Entry.Content, "market is growing")
}

func TestCompactorSummarizesOverBudgetNamespaces(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, Options{Clock: clock.Now, ProtectedRecent: 2, TokenBudget: 40, SummaryTokens: 32})
	for i := 0; i < 12; i++ {
		appendTexts(t, s, clock, "executor", fmt.Sprintf("ran command %d and it printed a fairly long line of output text", i))
	}
	appendTexts(t, s, clock, "critic", "short")

	compactor, err := NewCompactor(s, CompactorConfig{Schedule: "@every 1m", Window: time.Hour}, nil)
	require.NoError(t, err)
	report, err := compactor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Compacted)
	assert.GreaterOrEqual(t, report.Summaries, 1)

	st := s.Stats("executor")
	assert.Equal(t, 3, st.Active, "two protected entries and one summary")
	assert.Equal(t, 1, s.Stats("critic").Entries)
}

func TestCompactorRejectsBadSchedule(t *testing.T) {
	s := newStore(t, Options{})
	_, err := NewCompactor(s, CompactorConfig{Schedule: "every now and then"}, nil)
	assert.Error(t, err)
}

func TestCompactorStartStop(t *testing.T) {
	s := newStore(t, Options{})
	compactor, err := NewCompactor(s, CompactorConfig{Schedule: "@every 1h"}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, compactor.Start(ctx))
	cancel()
	compactor.Stop()
	compactor.Stop()
}
