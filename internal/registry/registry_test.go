package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/storage/kv"
)

type fakeLoader struct {
	mu       sync.Mutex
	loaded   []string
	unloaded []string
	fail     map[string]error
	resident []string
	onLoad   func(ModelSpec)
	// unloadDelay stretches Unload so evictions overlap other acquires.
	unloadDelay time.Duration
}

func (f *fakeLoader) Load(_ context.Context, spec ModelSpec) error {
	if f.onLoad != nil {
		f.onLoad(spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[spec.ID]; err != nil {
		return err
	}
	f.loaded = append(f.loaded, spec.ID)
	return nil
}

func (f *fakeLoader) Unload(_ context.Context, spec ModelSpec) error {
	if f.unloadDelay > 0 {
		time.Sleep(f.unloadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, spec.ID)
	return nil
}

func (f *fakeLoader) unloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloaded...)
}

type listingLoader struct {
	*fakeLoader
}

func (l listingLoader) ListResident(context.Context) ([]string, error) {
	return l.resident, nil
}

func specs(sizes map[string]int64) []ModelSpec {
	out := make([]ModelSpec, 0, len(sizes))
	for id, mb := range sizes {
		out = append(out, ModelSpec{ID: id, FootprintMB: mb, Quantization: "Q4_0"})
	}
	return out
}

func newRegistry(t *testing.T, budget int64, timeout time.Duration, loader Loader, models map[string]int64) *Registry {
	t.Helper()
	r, err := New(specs(models), Options{
		BudgetMB:       budget,
		AcquireTimeout: timeout,
		Loader:         loader,
		Metrics:        NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return r
}

func TestSharedHandleIsNotEvictedWhileReferenced(t *testing.T) {
	loader := &fakeLoader{}
	r := newRegistry(t, 100, 30*time.Millisecond, loader, map[string]int64{"embed": 100, "planner": 100})
	ctx := context.Background()

	h1, err := r.Acquire(ctx, "embed")
	require.NoError(t, err)
	h2, err := r.Acquire(ctx, "embed")
	require.NoError(t, err)
	assert.Equal(t, 2, h2.Refs)
	assert.Equal(t, StateResident, h1.State)
	assert.Equal(t, []string{"embed"}, loader.loaded, "second acquire must reuse the resident model")

	require.NoError(t, r.Release("embed"))

	_, err = r.Acquire(ctx, "planner")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	assert.Empty(t, loader.unloads(), "a referenced model must never be evicted")

	require.NoError(t, r.Release("embed"))
	_, err = r.Acquire(ctx, "planner")
	require.NoError(t, err)
	assert.Equal(t, []string{"embed"}, loader.unloads())
}

func TestEvictionFollowsLeastRecentlyUsed(t *testing.T) {
	loader := &fakeLoader{}
	r := newRegistry(t, 300, time.Second, loader, map[string]int64{"a": 100, "b": 100, "c": 100, "big": 200})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Acquire(ctx, id)
		require.NoError(t, err)
	}
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, r.Release(id))
	}

	_, err := r.Acquire(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, loader.unloads())

	usage := r.Usage()
	assert.Equal(t, int64(300), usage.UsedMB)
	assert.Equal(t, 2, usage.Resident)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.evictions.WithLabelValues("a"))+testutil.ToFloat64(r.metrics.evictions.WithLabelValues("b")))
}

func TestNoEvictionWithoutPressure(t *testing.T) {
	loader := &fakeLoader{}
	r := newRegistry(t, 300, time.Second, loader, map[string]int64{"a": 100, "b": 100})
	ctx := context.Background()

	_, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, r.Release("a"))
	_, err = r.Acquire(ctx, "b")
	require.NoError(t, err)

	assert.Empty(t, loader.unloads())
	for _, h := range r.Snapshot() {
		assert.Equal(t, StateResident, h.State, h.ModelID)
	}
}

func TestOversizedModelFailsImmediately(t *testing.T) {
	r := newRegistry(t, 100, time.Hour, &fakeLoader{}, map[string]int64{"huge": 101})

	started := time.Now()
	_, err := r.Acquire(context.Background(), "huge")
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	assert.Less(t, time.Since(started), time.Second)
	assert.False(t, apperrors.IsTransient(err))
}

func TestLoadFailureReleasesReservation(t *testing.T) {
	loader := &fakeLoader{fail: map[string]error{"broken": errors.New("artifact missing")}}
	r := newRegistry(t, 100, time.Second, loader, map[string]int64{"broken": 80, "ok": 80})

	_, err := r.Acquire(context.Background(), "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrLoadError)
	assert.Zero(t, r.Usage().UsedMB)

	_, err = r.Acquire(context.Background(), "ok")
	require.NoError(t, err)
}

func TestReleaseUnheldAndUnknown(t *testing.T) {
	r := newRegistry(t, 100, time.Second, &fakeLoader{}, map[string]int64{"a": 10})
	assert.ErrorIs(t, r.Release("a"), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, r.Release("nope"), apperrors.ErrNotFound)
	_, err := r.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestWaiterIsServedAfterRelease(t *testing.T) {
	loader := &fakeLoader{}
	r := newRegistry(t, 100, 5*time.Second, loader, map[string]int64{"a": 100, "b": 100})
	ctx := context.Background()

	_, err := r.Acquire(ctx, "a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "b")
		done <- err
	}()

	require.Eventually(t, func() bool { return r.Usage().Waiting == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Release("a"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting acquire was not served after release")
	}
	assert.Equal(t, []string{"a"}, loader.unloads())
}

func TestBudgetNeverExceededUnderConcurrency(t *testing.T) {
	const budget = 250
	models := map[string]int64{"m1": 100, "m2": 100, "m3": 50, "m4": 150, "m5": 80}

	var r *Registry
	var violations sync.Map
	loader := &fakeLoader{}
	loader.onLoad = func(ModelSpec) {
		var resident int64
		for _, h := range r.Snapshot() {
			if h.State == StateResident || h.State == StateLoading || h.State == StateEvicting {
				resident += h.FootprintMB
			}
		}
		if resident > budget {
			violations.Store(resident, true)
		}
	}
	r = newRegistry(t, budget, 2*time.Second, loader, models)

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed))
			for i := 0; i < 50; i++ {
				id := ids[rng.IntN(len(ids))]
				if _, err := r.Acquire(context.Background(), id); err != nil {
					continue
				}
				assert.LessOrEqual(t, r.Usage().UsedMB, int64(budget))
				time.Sleep(time.Duration(rng.IntN(200)) * time.Microsecond)
				assert.NoError(t, r.Release(id))
			}
		}(uint64(w + 1))
	}
	wg.Wait()

	violations.Range(func(key, _ any) bool {
		t.Errorf("resident footprint %v exceeded budget %d", key, budget)
		return true
	})
	for _, h := range r.Snapshot() {
		assert.Zero(t, h.Refs, h.ModelID)
	}
}

func TestConcurrentAcquiresEvictOnlyWhatTheyNeed(t *testing.T) {
	loader := &fakeLoader{unloadDelay: 50 * time.Millisecond}
	r := newRegistry(t, 100, time.Second, loader, map[string]int64{"x": 50, "y": 50, "m": 50})
	ctx := context.Background()
	for _, id := range []string{"x", "y"} {
		_, err := r.Acquire(ctx, id)
		require.NoError(t, err)
		require.NoError(t, r.Release(id))
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Acquire(ctx, "m")
			if assert.NoError(t, err) {
				assert.Equal(t, StateResident, h.State)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"x"}, loader.unloads())
	u := r.Usage()
	assert.EqualValues(t, 100, u.UsedMB)
	assert.Equal(t, 2, u.Resident)
	assert.Equal(t, 1, u.Idle)
	for _, h := range r.Snapshot() {
		if h.ModelID == "m" {
			assert.Equal(t, 2, h.Refs)
		}
	}
}

func TestRecoverAdoptsResidentModels(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	older, _ := json.Marshal(record{LastUsed: time.Unix(100, 0), LoadCount: 3})
	newer, _ := json.Marshal(record{LastUsed: time.Unix(200, 0), LoadCount: 5})
	require.NoError(t, store.Put(ctx, "registry/a", older))
	require.NoError(t, store.Put(ctx, "registry/b", newer))

	base := &fakeLoader{resident: []string{"a", "b", "c"}}
	r, err := New(specs(map[string]int64{"a": 60, "b": 60, "c": 60, "d": 60}), Options{
		BudgetMB: 130,
		Loader:   listingLoader{base},
		Store:    store,
	})
	require.NoError(t, err)
	require.NoError(t, r.Recover(ctx))

	states := map[string]Handle{}
	for _, h := range r.Snapshot() {
		states[h.ModelID] = h
	}
	assert.Equal(t, StateResident, states["b"].State, "warmest model adopted first")
	assert.Equal(t, 5, states["b"].LoadCount)
	assert.Equal(t, StateResident, states["a"].State)
	assert.Equal(t, StateUnloaded, states["c"].State, "over budget")
	assert.Equal(t, []string{"c"}, base.unloads())

	// d needs room: the least recently used adopted model (a) goes first.
	_, err = r.Acquire(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, base.unloads())

	raw, err := store.Get(ctx, "registry/d")
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, 1, rec.LoadCount)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	r := newRegistry(t, 100, 0, &fakeLoader{}, map[string]int64{"a": 100, "b": 100})
	_, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.Usage().Waiting)
}

func ExampleRegistry_Snapshot() {
	r, _ := New([]ModelSpec{{ID: "phi3", FootprintMB: 2300, BackendName: "phi3:mini"}}, Options{BudgetMB: 6144, Loader: &fakeLoader{}})
	_, _ = r.Acquire(context.Background(), "phi3")
	for _, h := range r.Snapshot() {
		fmt.Println(h.ModelID, h.BackendName, h.State, h.Refs)
	}
	// Output: phi3 phi3:mini resident 1
}
