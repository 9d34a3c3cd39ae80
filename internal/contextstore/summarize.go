package contextstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Summarize merges the active entries of namespace older than window into
// one derived summary entry and archives the originals. The newest
// ProtectedRecent active entries are never touched, whatever the window.
// Active entries embedded with another embedding version are merged
// regardless of age so their content becomes recallable again. It returns
// nil when nothing qualifies.
func (s *Store) Summarize(ctx context.Context, namespace string, window time.Duration) (*Entry, error) {
	l := s.log(namespace, false)
	if l == nil {
		return nil, nil
	}
	l.compact.Lock()
	defer l.compact.Unlock()

	sources, stale := s.compactionSources(l, window)
	if len(sources) == 0 || (len(sources) == 1 && stale == 0) {
		return nil, nil
	}

	texts := make([]string, 0, len(sources))
	ids := make([]string, 0, len(sources))
	degraded := false
	for _, e := range sources {
		texts = append(texts, e.Content)
		ids = append(ids, e.ID)
		degraded = degraded || e.Degraded
	}
	text, err := s.embedder.Condense(ctx, texts, s.summaryTokens)
	if err != nil {
		return nil, fmt.Errorf("contextstore: condense %d entries of %s: %w", len(sources), namespace, err)
	}

	// A summary that cannot be embedded would stay active yet unrecallable and
	// be rebuilt on every pass, so nothing is written until it embeds.
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("contextstore: embed summary of %s: %w", namespace, err)
	}

	newest := sources[len(sources)-1]
	summary, err := s.AppendShared(ctx, namespace, newest.AgentID, Entry{
		Kind:             KindSummary,
		Content:          text,
		Embedding:        vec,
		EmbeddingVersion: s.embedder.Version(),
		Degraded:         degraded,
		SummaryOf:        ids,
		Metadata: map[string]string{
			"window":  window.String(),
			"sources": strconv.Itoa(len(sources)),
			"first":   sources[0].Timestamp.UTC().Format(time.RFC3339),
			"last":    newest.Timestamp.UTC().Format(time.RFC3339),
		},
	})
	if err != nil && summary.ID == "" {
		return nil, err
	}
	if err != nil {
		// Not persisted: retire the summary and keep the originals active so
		// the next pass starts from the same sources.
		if aerr := s.archive(ctx, l, namespace, []Entry{summary}); aerr != nil {
			err = errors.Join(err, aerr)
		}
		return nil, fmt.Errorf("contextstore: summary of %s kept originals: %w", namespace, err)
	}

	if err := s.archive(ctx, l, namespace, sources); err != nil {
		return &summary, err
	}
	s.logger.Info("Summarized %d entries of %s into %s (%d stale)", len(sources), namespace, summary.ID, stale)
	return &summary, nil
}

func (s *Store) compactionSources(l *namespaceLog, window time.Duration) ([]Entry, int) {
	if window < 0 {
		window = 0
	}
	cutoff := s.now().Add(-window)

	l.mu.RLock()
	defer l.mu.RUnlock()
	var active []*Entry
	for _, e := range l.entries {
		if !e.Archived {
			active = append(active, e)
		}
	}
	eligible := active[:max(len(active)-s.protectedRecent, 0)]

	var sources []Entry
	stale := 0
	for _, e := range eligible {
		isStale := s.stale(*e)
		if isStale || !e.Timestamp.After(cutoff) {
			sources = append(sources, *e)
			if isStale {
				stale++
			}
		}
	}
	return sources, stale
}

func (s *Store) archive(ctx context.Context, l *namespaceLog, namespace string, sources []Entry) error {
	want := make(map[string]bool, len(sources))
	for _, e := range sources {
		want[e.ID] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	ids := make([]string, 0, len(sources))
	for _, e := range l.entries {
		if !want[e.ID] || e.Archived {
			continue
		}
		e.Archived = true
		ids = append(ids, e.ID)
		if err := s.putArchived(ctx, namespace, e.Seq); err != nil {
			errs = append(errs, fmt.Errorf("persist archive marker %s: %w", e.ID, err))
		}
	}
	if err := s.index.Remove(ctx, namespace, ids...); err != nil {
		errs = append(errs, fmt.Errorf("unindex: %w", err))
	}
	return errors.Join(errs...)
}

// stale reports an active entry whose content cannot be recalled in the
// current embedding space.
func (s *Store) stale(e Entry) bool {
	return e.EmbeddingVersion != s.embedder.Version() && strings.TrimSpace(e.Content) != ""
}
