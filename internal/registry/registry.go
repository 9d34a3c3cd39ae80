package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	"edgeai/internal/storage/kv"
)

const recordPrefix = "registry/"

// Options configures a Registry.
type Options struct {
	BudgetMB int64
	// AcquireTimeout bounds how long Acquire waits for memory to free up
	// before failing with ResourceExhausted. Zero waits until ctx is done.
	AcquireTimeout time.Duration
	Loader         Loader
	// Store persists per-model usage records. Optional.
	Store   kv.Store
	Logger  logging.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

type entry struct {
	spec      ModelSpec
	state     State
	refs      int
	lastUsed  time.Time
	loads     int
	evictions int
	// settled is closed when a loading or evicting transition finishes.
	settled chan struct{}
}

func (e *entry) handle() Handle {
	return Handle{
		ModelID:       e.spec.ID,
		BackendName:   e.spec.Name(),
		Quantization:  e.spec.Quantization,
		FootprintMB:   e.spec.FootprintMB,
		State:         e.state,
		Refs:          e.refs,
		LastUsed:      e.lastUsed,
		LoadCount:     e.loads,
		EvictionCount: e.evictions,
	}
}

type record struct {
	LastUsed      time.Time `json:"last_used"`
	LoadCount     int       `json:"load_count"`
	EvictionCount int       `json:"eviction_count"`
}

// Registry owns model load state and reference counts. All mutation goes
// through Acquire, Release and Recover.
type Registry struct {
	budgetMB       int64
	acquireTimeout time.Duration
	loader         Loader
	store          kv.Store
	logger         logging.Logger
	metrics        *Metrics
	now            func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	// idle holds resident models with zero references, least recently used first.
	idle    *simplelru.LRU[string, struct{}]
	usedMB  int64
	waiting int
	// changed is closed and replaced whenever memory is freed.
	changed chan struct{}
}

// New builds a registry over the given model catalogue.
func New(specs []ModelSpec, opts Options) (*Registry, error) {
	if opts.BudgetMB <= 0 {
		return nil, fmt.Errorf("registry: memory budget must be positive")
	}
	if opts.Loader == nil {
		return nil, fmt.Errorf("registry: loader is required")
	}
	idle, err := simplelru.NewLRU[string, struct{}](len(specs)+1, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r := &Registry{
		budgetMB:       opts.BudgetMB,
		acquireTimeout: opts.AcquireTimeout,
		loader:         opts.Loader,
		store:          opts.Store,
		logger:         logging.OrNop(opts.Logger),
		metrics:        opts.Metrics,
		now:            opts.Clock,
		entries:        make(map[string]*entry, len(specs)),
		idle:           idle,
		changed:        make(chan struct{}),
	}
	if r.now == nil {
		r.now = time.Now
	}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("registry: model id is required")
		}
		if _, dup := r.entries[spec.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate model %q", spec.ID)
		}
		r.entries[spec.ID] = &entry{spec: spec, state: StateUnloaded}
	}
	return r, nil
}

// Acquire returns a resident handle for modelID, loading it first if needed,
// and takes one reference. Idle models are evicted in LRU order only when the
// load cannot otherwise fit. It fails with ResourceExhausted when the model
// can never fit or memory does not free up within the acquire timeout, and
// with LoadError when the loader cannot materialize the model.
func (r *Registry) Acquire(ctx context.Context, modelID string) (Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[modelID]
	if !ok {
		r.mu.Unlock()
		return Handle{}, fmt.Errorf("registry: model %q: %w", modelID, apperrors.ErrNotFound)
	}
	if e.spec.FootprintMB > r.budgetMB {
		r.mu.Unlock()
		return Handle{}, apperrors.ResourceExhausted("model %s needs %d MB, budget is %d MB", modelID, e.spec.FootprintMB, r.budgetMB)
	}
	r.mu.Unlock()

	memoryCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		memoryCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}

	for {
		r.mu.Lock()
		switch e.state {
		case StateResident:
			e.refs++
			e.lastUsed = r.now()
			r.idle.Remove(modelID)
			h := e.handle()
			r.mu.Unlock()
			return h, nil

		case StateLoading, StateEvicting:
			settled := e.settled
			r.mu.Unlock()
			select {
			case <-settled:
			case <-ctx.Done():
				return Handle{}, ctx.Err()
			}

		default:
			victims, fits := r.planEvictionLocked(e.spec.FootprintMB)
			if !fits {
				changed := r.changed
				r.waiting++
				r.mu.Unlock()
				err := r.awaitMemory(ctx, memoryCtx, changed, e.spec)
				r.mu.Lock()
				r.waiting--
				r.mu.Unlock()
				if err != nil {
					return Handle{}, err
				}
				continue
			}
			if len(victims) > 0 {
				for _, v := range victims {
					v.state = StateEvicting
					v.settled = make(chan struct{})
					r.idle.Remove(v.spec.ID)
				}
				r.mu.Unlock()
				r.evict(ctx, victims, modelID)
				continue
			}
			if e.spec.FootprintMB > r.budgetMB-r.usedMB {
				// Evictions started by another acquire will make room.
				changed := r.changed
				r.mu.Unlock()
				select {
				case <-changed:
				case <-ctx.Done():
					return Handle{}, ctx.Err()
				}
				continue
			}

			e.state = StateLoading
			e.settled = make(chan struct{})
			e.refs = 1
			r.usedMB += e.spec.FootprintMB
			r.metrics.setUsed(r.usedMB)
			r.mu.Unlock()
			return r.load(ctx, e)
		}
	}
}

// Release drops one reference to modelID. A model whose count reaches zero
// stays resident as an eviction candidate.
func (r *Registry) Release(modelID string) error {
	r.mu.Lock()
	e, ok := r.entries[modelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: model %q: %w", modelID, apperrors.ErrNotFound)
	}
	if e.refs <= 0 {
		r.mu.Unlock()
		return fmt.Errorf("registry: release of unheld model %q: %w", modelID, apperrors.ErrInvalidArgument)
	}
	e.refs--
	e.lastUsed = r.now()
	if e.refs == 0 && e.state == StateResident {
		r.idle.Add(modelID, struct{}{})
		r.broadcastLocked()
	}
	rec := record{LastUsed: e.lastUsed, LoadCount: e.loads, EvictionCount: e.evictions}
	r.mu.Unlock()

	r.persist(modelID, rec)
	return nil
}

// planEvictionLocked returns the idle models to evict, oldest first, so that
// need fits. Memory held by models already being evicted counts as free, so
// concurrent acquires never evict more than the load requires; a plan that
// fits with no victims while evictions are in flight means wait for them.
// fits is false when even evicting every idle model is not enough; in that
// case nothing should be evicted.
func (r *Registry) planEvictionLocked(need int64) (victims []*entry, fits bool) {
	free := r.budgetMB - r.usedMB
	for _, v := range r.entries {
		if v.state == StateEvicting {
			free += v.spec.FootprintMB
		}
	}
	if need <= free {
		return nil, true
	}
	for _, id := range r.idle.Keys() {
		v := r.entries[id]
		victims = append(victims, v)
		free += v.spec.FootprintMB
		if need <= free {
			return victims, true
		}
	}
	return nil, false
}

func (r *Registry) awaitMemory(ctx, memoryCtx context.Context, changed <-chan struct{}, spec ModelSpec) error {
	select {
	case <-changed:
		return nil
	case <-memoryCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		used := r.usedMB
		r.mu.Unlock()
		return apperrors.ResourceExhausted("model %s needs %d MB, %d/%d MB held by referenced models after %v",
			spec.ID, spec.FootprintMB, used, r.budgetMB, r.acquireTimeout)
	}
}

func (r *Registry) load(ctx context.Context, e *entry) (Handle, error) {
	started := r.now()
	err := r.loader.Load(ctx, e.spec)

	r.mu.Lock()
	if err != nil {
		e.state = StateUnloaded
		e.refs = 0
		r.usedMB -= e.spec.FootprintMB
		r.metrics.setUsed(r.usedMB)
		close(e.settled)
		r.broadcastLocked()
		r.mu.Unlock()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Handle{}, ctxErr
		}
		r.metrics.incLoadFailure(e.spec.ID)
		r.logger.Error("Failed to load model %s: %v", e.spec.ID, err)
		return Handle{}, apperrors.LoadError(e.spec.ID, err)
	}

	e.state = StateResident
	e.loads++
	e.lastUsed = r.now()
	close(e.settled)
	h := e.handle()
	used := r.usedMB
	rec := record{LastUsed: e.lastUsed, LoadCount: e.loads, EvictionCount: e.evictions}
	r.mu.Unlock()

	r.metrics.incLoad(e.spec.ID)
	r.logger.Info("Loaded model %s in %v (%d MB, %d/%d MB used)", e.spec.ID, r.now().Sub(started), e.spec.FootprintMB, used, r.budgetMB)
	r.persist(e.spec.ID, rec)
	return h, nil
}

func (r *Registry) evict(ctx context.Context, victims []*entry, forModel string) {
	unloadCtx := context.WithoutCancel(ctx)
	for _, v := range victims {
		if err := r.loader.Unload(unloadCtx, v.spec); err != nil {
			// The backend may still hold the weights; accounting proceeds so
			// the registry cannot wedge on a misbehaving backend.
			r.logger.Warn("Unload of %s reported error: %v", v.spec.ID, err)
		}

		r.mu.Lock()
		v.state = StateUnloaded
		v.evictions++
		r.usedMB -= v.spec.FootprintMB
		r.metrics.setUsed(r.usedMB)
		close(v.settled)
		r.broadcastLocked()
		rec := record{LastUsed: v.lastUsed, LoadCount: v.loads, EvictionCount: v.evictions}
		r.mu.Unlock()

		r.metrics.incEviction(v.spec.ID)
		r.logger.Info("Evicted idle model %s (%d MB) to make room for %s", v.spec.ID, v.spec.FootprintMB, forModel)
		r.persist(v.spec.ID, rec)
	}
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Registry) persist(modelID string, rec record) {
	if r.store == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.logger.Warn("Encode registry record %s: %v", modelID, err)
		return
	}
	if err := r.store.Put(context.Background(), recordPrefix+modelID, data); err != nil {
		r.logger.Warn("Persist registry record %s: %v", modelID, err)
	}
}

// Recover restores persisted usage records and, when the loader can list
// resident models, adopts them as idle in LRU order of their last use. Models
// that no longer fit the budget are unloaded. Call once before serving.
func (r *Registry) Recover(ctx context.Context) error {
	if r.store != nil {
		err := r.store.Scan(ctx, recordPrefix, func(key string, value []byte) error {
			var rec record
			if err := json.Unmarshal(value, &rec); err != nil {
				r.logger.Warn("Skipping corrupt registry record %s: %v", key, err)
				return nil
			}
			r.mu.Lock()
			if e, ok := r.entries[strings.TrimPrefix(key, recordPrefix)]; ok {
				e.lastUsed = rec.LastUsed
				e.loads = rec.LoadCount
				e.evictions = rec.EvictionCount
			}
			r.mu.Unlock()
			return nil
		})
		if err != nil {
			return fmt.Errorf("registry: recover records: %w", err)
		}
	}

	lister, ok := r.loader.(ResidentLister)
	if !ok {
		return nil
	}
	names, err := lister.ListResident(ctx)
	if err != nil {
		r.logger.Warn("Unable to list resident models, starting cold: %v", err)
		return nil
	}

	r.mu.Lock()
	var candidates []*entry
	for _, e := range r.entries {
		if e.state == StateUnloaded && slices.Contains(names, e.spec.Name()) {
			candidates = append(candidates, e)
		}
	}
	// Most recently used first so the budget goes to the warmest models.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.After(candidates[j].lastUsed)
	})
	var adopted, dropped []*entry
	for _, e := range candidates {
		if r.usedMB+e.spec.FootprintMB > r.budgetMB {
			dropped = append(dropped, e)
			continue
		}
		e.state = StateResident
		r.usedMB += e.spec.FootprintMB
		adopted = append(adopted, e)
	}
	for i := len(adopted) - 1; i >= 0; i-- {
		r.idle.Add(adopted[i].spec.ID, struct{}{})
	}
	r.metrics.setUsed(r.usedMB)
	r.mu.Unlock()

	for _, e := range adopted {
		r.logger.Info("Adopted resident model %s", e.spec.ID)
	}
	var errs []error
	for _, e := range dropped {
		if err := r.loader.Unload(ctx, e.spec); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", e.spec.ID, err))
		}
	}
	if len(errs) > 0 {
		r.logger.Warn("Some over-budget resident models could not be unloaded: %v", errors.Join(errs...))
	}
	return nil
}

// Snapshot returns every model's handle ordered by id.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.handle())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Usage reports current memory accounting.
func (r *Registry) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := Usage{BudgetMB: r.budgetMB, UsedMB: r.usedMB, Idle: r.idle.Len(), Waiting: r.waiting}
	for _, e := range r.entries {
		if e.state == StateResident {
			u.Resident++
		}
	}
	return u
}
