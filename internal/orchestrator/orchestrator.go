// Package orchestrator accepts tasks, routes each to the agent that owns its
// role and bounds how many agents work at once. Each agent runs its tasks one
// at a time, highest priority first.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"edgeai/internal/agent/runtime"
	"edgeai/internal/async"
	"edgeai/internal/bus"
	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	apperrors "edgeai/internal/errors"
	"edgeai/internal/logging"
	"edgeai/internal/storage/kv"
	id "edgeai/internal/utils/id"
)

const taskPrefix = "task/"

// Task context keys set by the orchestrator.
const (
	ContextCorrelationID = "correlation_id"
	ContextHandoffFrom   = "handoff_from"
	ContextHandoffDepth  = "handoff_depth"
)

// Agent is a runtime the orchestrator can drive.
type Agent interface {
	ID() string
	Profile() agent.Profile
	Snapshot() agent.Agent
	Run(ctx context.Context, t task.Task) (runtime.Outcome, error)
}

type Config struct {
	// MaxActiveAgents caps agents executing a task at the same time.
	MaxActiveAgents int
	// QueueSize caps queued tasks across all agents.
	QueueSize int
	// MaxHandoffDepth bounds chains of role handoffs turned into tasks.
	// Zero ignores handoffs.
	MaxHandoffDepth int
}

type Options struct {
	Agents []Agent
	// Store persists tasks under task/<id>. Optional.
	Store   kv.Store
	Bus     *bus.Bus
	Metrics *Metrics
	Logger  logging.Logger
	Clock   func() time.Time
}

type record struct {
	task            task.Task
	done            chan struct{}
	cancel          context.CancelFunc
	cancelRequested bool
}

type worker struct {
	agent   Agent
	pending []*record
	wake    chan struct{}
}

// Orchestrator owns the task table.
type Orchestrator struct {
	cfg     Config
	store   kv.Store
	bus     *bus.Bus
	metrics *Metrics
	logger  logging.Logger
	now     func() time.Time
	sem     *semaphore.Weighted
	group   *async.Group

	mu      sync.Mutex
	tasks   map[string]*record
	workers map[agent.Role]*worker
	queued  int
	started bool
	stopped bool
	stop    context.CancelFunc
}

// New builds an orchestrator over agents. Call Start to begin work.
func New(cfg Config, opts Options) (*Orchestrator, error) {
	if cfg.MaxActiveAgents < 1 {
		return nil, fmt.Errorf("orchestrator: max active agents must be at least 1: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if len(opts.Agents) == 0 {
		return nil, fmt.Errorf("orchestrator: no agents: %w", apperrors.ErrInvalidArgument)
	}
	logger := logging.OrNop(opts.Logger)
	o := &Orchestrator{
		cfg:     cfg,
		store:   opts.Store,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logger,
		now:     opts.Clock,
		sem:     semaphore.NewWeighted(int64(cfg.MaxActiveAgents)),
		group:   async.NewGroup(logger),
		tasks:   make(map[string]*record),
		workers: make(map[agent.Role]*worker, len(opts.Agents)),
	}
	if o.now == nil {
		o.now = time.Now
	}
	for _, a := range opts.Agents {
		role := a.Profile().Role
		if _, dup := o.workers[role]; dup {
			return nil, fmt.Errorf("orchestrator: two agents for role %s: %w", role, apperrors.ErrInvalidArgument)
		}
		o.workers[role] = &worker{agent: a, wake: make(chan struct{}, 1)}
	}
	return o, nil
}

// Start restores persisted tasks and launches one worker per agent. Tasks
// that were in progress when the process stopped are marked failed; queued
// tasks are queued again.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stop = cancel
	workers := slices.Collect(maps.Values(o.workers))
	o.mu.Unlock()

	for _, w := range workers {
		o.group.Go("agent-"+w.agent.ID(), func() { o.work(runCtx, w) })
	}
	if o.cfg.MaxHandoffDepth > 0 && o.bus != nil {
		sub, err := o.bus.Subscribe("agent.handoff.*")
		if err != nil {
			cancel()
			return fmt.Errorf("orchestrator: subscribe handoffs: %w", err)
		}
		o.group.Go("handoffs", func() { o.followHandoffs(runCtx, sub) })
	}
	o.logger.Info("Orchestrator started with %d agents (max active %d)", len(workers), o.cfg.MaxActiveAgents)
	return nil
}

// Stop cancels running turns and waits for workers to exit or ctx to end.
// Interrupted tasks are marked failed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	stop := o.stop
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
	return o.group.Wait(ctx)
}

// Submit queues t for the agent owning t.Role and returns its id.
func (o *Orchestrator) Submit(ctx context.Context, t task.Task) (string, error) {
	if strings.TrimSpace(t.Input) == "" {
		return "", fmt.Errorf("task input is empty: %w", apperrors.ErrInvalidArgument)
	}
	if !t.Role.Valid() {
		return "", fmt.Errorf("task role is invalid: %w", apperrors.ErrInvalidArgument)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return "", fmt.Errorf("orchestrator: %w", apperrors.ErrClosed)
	}
	w, ok := o.workers[t.Role]
	if !ok {
		return "", fmt.Errorf("no agent serves role %s: %w", t.Role, apperrors.ErrInvalidArgument)
	}
	if o.queued >= o.cfg.QueueSize {
		return "", apperrors.ResourceExhausted("task queue full (%d queued)", o.queued)
	}
	if t.ID == "" {
		t.ID = id.NewTaskID()
	} else if _, dup := o.tasks[t.ID]; dup {
		return "", fmt.Errorf("task %s already exists: %w", t.ID, apperrors.ErrInvalidArgument)
	}
	if t.Context == nil {
		t.Context = map[string]string{}
	}
	if t.Context[ContextCorrelationID] == "" {
		if cid := id.CorrelationIDFromContext(ctx); cid != "" {
			t.Context[ContextCorrelationID] = cid
		}
	}
	now := o.now()
	t.Status = task.StatusQueued
	t.CreatedAt, t.UpdatedAt = now, now
	t.StartedAt, t.CompletedAt = nil, nil
	t.AgentID, t.Result, t.Error, t.ErrorKind = "", "", "", ""
	t.Degraded, t.Attempts = false, 0

	rec := &record{task: t.Clone(), done: make(chan struct{})}
	o.tasks[t.ID] = rec
	o.enqueueLocked(w, rec)
	o.recordLocked(rec, bus.TopicTaskSubmitted)
	logging.FromContext(ctx, o.logger).Debug("Queued task %s for %s", t.ID, t.Role)
	return t.ID, nil
}

// Status returns a copy of the task.
func (o *Orchestrator) Status(taskID string) (task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
	}
	return rec.task.Clone(), nil
}

// List returns every known task, oldest first.
func (o *Orchestrator) List() []task.Task {
	o.mu.Lock()
	out := make([]task.Task, 0, len(o.tasks))
	for _, rec := range o.tasks {
		out = append(out, rec.task.Clone())
	}
	o.mu.Unlock()
	slices.SortFunc(out, func(a, b task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (task.Task, error) {
	o.mu.Lock()
	rec, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return task.Task{}, fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
	}
	select {
	case <-rec.done:
		return o.Status(taskID)
	case <-ctx.Done():
		return task.Task{}, ctx.Err()
	}
}

// Cancel withdraws a queued task at once. An in-progress task is cancelled
// best effort: its turn is interrupted and its output discarded.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, apperrors.ErrNotFound)
	}
	switch rec.task.Status {
	case task.StatusQueued:
		if w := o.workers[rec.task.Role]; w != nil {
			o.dequeueLocked(w, rec)
		}
		o.finishLocked(rec, task.StatusCancelled)
		return nil
	case task.StatusInProgress:
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
		return nil
	default:
		return fmt.Errorf("task %s is already %s: %w", taskID, rec.task.Status, apperrors.ErrInvalidArgument)
	}
}

// Agents returns every agent's current state in role order.
func (o *Orchestrator) Agents() []agent.Agent {
	o.mu.Lock()
	workers := slices.Collect(maps.Values(o.workers))
	o.mu.Unlock()
	out := make([]agent.Agent, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.agent.Snapshot())
	}
	slices.SortFunc(out, func(a, b agent.Agent) int {
		return int(a.Profile.Role) - int(b.Profile.Role)
	})
	return out
}

func (o *Orchestrator) enqueueLocked(w *worker, rec *record) {
	w.pending = append(w.pending, rec)
	o.queued++
	o.metrics.SetQueued(o.queued)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) dequeueLocked(w *worker, rec *record) {
	if i := slices.Index(w.pending, rec); i >= 0 {
		w.pending = slices.Delete(w.pending, i, i+1)
		o.queued--
		o.metrics.SetQueued(o.queued)
	}
}

// popLocked takes the highest priority pending task, oldest first among
// equals.
func (o *Orchestrator) popLocked(w *worker) *record {
	if len(w.pending) == 0 {
		return nil
	}
	best := 0
	for i, rec := range w.pending {
		if rec.task.Priority > w.pending[best].task.Priority {
			best = i
		}
	}
	rec := w.pending[best]
	o.dequeueLocked(w, rec)
	return rec
}

func (o *Orchestrator) work(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		for {
			o.mu.Lock()
			idle := len(w.pending) == 0
			o.mu.Unlock()
			if idle {
				break
			}
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return
			}
			o.runNext(ctx, w)
			o.sem.Release(1)
		}
	}
}

func (o *Orchestrator) runNext(ctx context.Context, w *worker) {
	o.mu.Lock()
	rec := o.popLocked(w)
	if rec == nil {
		o.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	if err := rec.task.Transition(task.StatusInProgress, o.now()); err != nil {
		o.logger.Error("Task %s: %v", rec.task.ID, err)
	}
	rec.task.AgentID = w.agent.ID()
	o.recordLocked(rec, bus.TopicTaskStarted)
	snapshot := rec.task.Clone()
	o.mu.Unlock()

	taskCtx = id.WithCorrelationID(taskCtx, snapshot.Context[ContextCorrelationID])
	o.metrics.IncActiveAgents()
	out, err := w.agent.Run(taskCtx, snapshot)
	o.metrics.DecActiveAgents()
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	rec.cancel = nil
	rec.task.Attempts = out.Attempts
	switch {
	case err == nil:
		rec.task.Result = out.Text
		rec.task.Degraded = out.Degraded
		o.finishLocked(rec, task.StatusDone)
	case runtime.IsCancelled(err) && rec.cancelRequested:
		o.finishLocked(rec, task.StatusCancelled)
	case runtime.IsCancelled(err):
		rec.task.Error = "interrupted: orchestrator stopped"
		rec.task.ErrorKind = "interrupted"
		o.finishLocked(rec, task.StatusFailed)
	default:
		rec.task.Error = err.Error()
		rec.task.ErrorKind = apperrors.CauseKind(err)
		o.finishLocked(rec, task.StatusFailed)
	}
}

var terminalTopics = map[task.Status]string{
	task.StatusDone:      bus.TopicTaskCompleted,
	task.StatusFailed:    bus.TopicTaskFailed,
	task.StatusCancelled: bus.TopicTaskCancelled,
}

func (o *Orchestrator) finishLocked(rec *record, status task.Status) {
	now := o.now()
	if err := rec.task.Transition(status, now); err != nil {
		o.logger.Error("Task %s: %v", rec.task.ID, err)
		return
	}
	if rec.task.StartedAt != nil {
		o.metrics.ObserveTaskDuration(rec.task.Role.String(), string(status), now.Sub(*rec.task.StartedAt))
	}
	o.recordLocked(rec, terminalTopics[status])
	close(rec.done)
}

// recordLocked persists the task and announces its new status. Holding the
// lock keeps stored records and events in transition order.
func (o *Orchestrator) recordLocked(rec *record, topic string) {
	snapshot := rec.task.Clone()
	o.persist(snapshot)
	o.metrics.ObserveTransition(snapshot.Role.String(), string(snapshot.Status))
	if o.bus != nil {
		o.bus.Publish(topic, "orchestrator", snapshot)
	}
}

func (o *Orchestrator) persist(t task.Task) {
	if o.store == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		o.logger.Error("Encode task %s: %v", t.ID, err)
		return
	}
	if err := o.store.Put(context.Background(), taskPrefix+t.ID, data); err != nil {
		o.logger.Error("Persist task %s: %v", t.ID, err)
	}
}

func (o *Orchestrator) restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	var restored []task.Task
	err := o.store.Scan(ctx, taskPrefix, func(key string, value []byte) error {
		var t task.Task
		if err := json.Unmarshal(value, &t); err != nil {
			o.logger.Warn("Skipping corrupt task record %s: %v", key, err)
			return nil
		}
		restored = append(restored, t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("orchestrator: restore tasks: %w", err)
	}
	slices.SortFunc(restored, func(a, b task.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })

	o.mu.Lock()
	defer o.mu.Unlock()
	var requeued, interrupted int
	for _, t := range restored {
		if _, exists := o.tasks[t.ID]; exists {
			continue
		}
		rec := &record{task: t, done: make(chan struct{})}
		o.tasks[t.ID] = rec
		switch {
		case t.Status == task.StatusInProgress:
			rec.task.Error = "interrupted by restart"
			rec.task.ErrorKind = "interrupted"
			o.finishLocked(rec, task.StatusFailed)
			interrupted++
		case t.Status == task.StatusQueued:
			w, ok := o.workers[t.Role]
			if !ok {
				rec.task.Error = fmt.Sprintf("no agent serves role %s", t.Role)
				rec.task.ErrorKind = "invalid_argument"
				o.finishLocked(rec, task.StatusFailed)
				continue
			}
			o.enqueueLocked(w, rec)
			requeued++
		case t.Status.IsTerminal():
			close(rec.done)
		}
	}
	if requeued+interrupted > 0 {
		o.logger.Info("Restored tasks: %d queued again, %d interrupted", requeued, interrupted)
	}
	return nil
}

// followHandoffs turns role handoffs into tasks for the receiving role.
func (o *Orchestrator) followHandoffs(ctx context.Context, sub *bus.Subscription) {
	defer sub.Close()
	for msg := range sub.All(ctx) {
		h, ok := msg.Payload.(runtime.Handoff)
		if !ok || strings.TrimSpace(h.Result) == "" {
			continue
		}
		depth, _ := strconv.Atoi(h.Context[ContextHandoffDepth])
		depth++
		if depth > o.cfg.MaxHandoffDepth {
			o.logger.Debug("Dropping handoff %s -> %s for task %s at depth %d", h.From, h.To, h.TaskID, depth)
			continue
		}
		role, err := agent.ParseRole(h.To)
		if err != nil {
			o.logger.Warn("Handoff from task %s: %v", h.TaskID, err)
			continue
		}
		tctx := maps.Clone(h.Context)
		if tctx == nil {
			tctx = map[string]string{}
		}
		tctx[ContextHandoffFrom] = h.TaskID
		tctx[ContextHandoffDepth] = strconv.Itoa(depth)

		taskID, err := o.Submit(ctx, task.Task{Role: role, Input: h.Result, Priority: h.Priority, Context: tctx})
		switch {
		case errors.Is(err, apperrors.ErrClosed):
			return
		case err != nil:
			o.logger.Warn("Handoff %s -> %s for task %s not queued: %v", h.From, h.To, h.TaskID, err)
		default:
			o.logger.Info("Handoff %s -> %s queued as %s", h.From, h.To, taskID)
		}
	}
}
