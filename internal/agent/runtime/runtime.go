// Package runtime executes one agent's turns: recall context, lease a GPU
// slot, run inference on the role's model and persist the result.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"edgeai/internal/bus"
	"edgeai/internal/contextstore"
	"edgeai/internal/domain/agent"
	"edgeai/internal/domain/task"
	apperrors "edgeai/internal/errors"
	"edgeai/internal/inference"
	"edgeai/internal/logging"
	"edgeai/internal/observability"
	"edgeai/internal/registry"
	"edgeai/internal/scheduler"
	"edgeai/internal/token"
	id "edgeai/internal/utils/id"
)

// ModelPool hands out resident models.
type ModelPool interface {
	Acquire(ctx context.Context, modelID string) (registry.Handle, error)
	Release(modelID string) error
}

// SlotPool leases GPU inference capacity.
type SlotPool interface {
	Acquire(ctx context.Context, agentID string, priority int) (*scheduler.Slot, error)
	Release(slot *scheduler.Slot) error
}

// Memory is the agent's context store.
type Memory interface {
	Append(ctx context.Context, agentID string, entry contextstore.Entry) (contextstore.Entry, error)
	AppendShared(ctx context.Context, namespace, agentID string, entry contextstore.Entry) (contextstore.Entry, error)
	QueryText(ctx context.Context, agentID, text string, k int, opts ...contextstore.QueryOption) ([]contextstore.Result, error)
}

// Publisher emits events.
type Publisher interface {
	Publish(topic, publisher string, payload any) bus.Message
}

// Config tunes turns.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	RecallK           int
	PromptTokenBudget int
	MaxTokens         int
	Temperature       float64
}

// Deps are the collaborators a runtime drives.
type Deps struct {
	Models  ModelPool
	Slots   SlotPool
	Memory  Memory
	Backend inference.Backend
	Bus     Publisher
	Tracer  *observability.TracerProvider
	Metrics *observability.MetricsCollector
	Logger  logging.Logger
}

// Outcome is the result of a successful turn.
type Outcome struct {
	Text           string `json:"text"`
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
	EntryID        string `json:"entry_id,omitempty"`
	Attempts       int    `json:"attempts"`
}

// FailureEvent is published on agent.failure when a task exhausts its retries.
type FailureEvent struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// TurnEvent is published on agent.turn after a successful turn.
type TurnEvent struct {
	TaskID   string `json:"task_id"`
	AgentID  string `json:"agent_id"`
	Role     string `json:"role"`
	Model    string `json:"model"`
	EntryID  string `json:"entry_id"`
	Degraded bool   `json:"degraded,omitempty"`
	Attempts int    `json:"attempts"`
}

// Handoff is published on agent.handoff.<role> when a role forwards its
// result to the next one.
type Handoff struct {
	TaskID   string            `json:"task_id"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Input    string            `json:"input"`
	Result   string            `json:"result"`
	Priority int               `json:"priority"`
	Context  map[string]string `json:"context,omitempty"`
}

// Runtime is one agent. It runs one task at a time; callers serialize Run.
type Runtime struct {
	id      string
	profile agent.Profile
	cfg     Config
	deps    Deps
	logger  logging.Logger

	mu        sync.RWMutex
	phase     Phase
	current   string
	observers []Observer
}

// New builds the runtime for profile.
func New(profile agent.Profile, cfg Config, deps Deps) (*Runtime, error) {
	if !profile.Role.Valid() {
		return nil, fmt.Errorf("runtime: invalid role: %w", apperrors.ErrInvalidArgument)
	}
	if profile.Model == "" {
		return nil, fmt.Errorf("runtime: role %s has no model: %w", profile.Role, apperrors.ErrInvalidArgument)
	}
	if deps.Models == nil || deps.Slots == nil || deps.Memory == nil || deps.Backend == nil {
		return nil, fmt.Errorf("runtime: models, slots, memory and backend are required: %w", apperrors.ErrInvalidArgument)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.RecallK <= 0 {
		cfg.RecallK = 5
	}
	agentID := agent.ID(profile.Role)
	return &Runtime{
		id:      agentID,
		profile: profile,
		cfg:     cfg,
		deps:    deps,
		logger:  logging.OrNop(deps.Logger),
		phase:   PhaseIdle,
	}, nil
}

func (r *Runtime) ID() string { return r.id }

func (r *Runtime) Profile() agent.Profile { return r.profile }

// Observe registers o for phase changes.
func (r *Runtime) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

func (r *Runtime) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Snapshot returns the agent's client-facing view.
func (r *Runtime) Snapshot() agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return agent.Agent{
		ID:          r.id,
		Profile:     r.profile,
		State:       r.phase.State(),
		CurrentTask: r.current,
	}
}

func (r *Runtime) setPhase(next Phase) {
	r.mu.Lock()
	prev := r.phase
	r.phase = next
	if next == PhaseIdle {
		r.current = ""
	}
	observers := r.observers
	r.mu.Unlock()

	if prev == next {
		return
	}
	for _, o := range observers {
		o.OnTransition(r.id, prev, next)
	}
}

// Run executes t. Transient failures are retried with backoff up to
// MaxRetries; the final failure is published once on agent.failure and
// returned wrapped in ErrTaskFailed. A cancelled ctx returns ErrCancelled and
// publishes nothing.
func (r *Runtime) Run(ctx context.Context, t task.Task) (Outcome, error) {
	ctx = id.WithIDs(ctx, id.IDs{TaskID: t.ID, AgentID: r.id})
	logger := logging.FromContext(ctx, r.logger)

	ctx, span := r.deps.Tracer.StartSpan(ctx, observability.SpanAgentTurn,
		attribute.String(observability.AttrRole, r.profile.Role.String()),
		attribute.String(observability.AttrModel, r.profile.Model),
		attribute.Int(observability.AttrPriority, r.priority(t)),
	)
	defer span.End()

	r.mu.Lock()
	r.current = t.ID
	r.mu.Unlock()
	defer r.setPhase(PhaseIdle)

	attempts := 0
	retry := apperrors.RetryConfig{
		MaxAttempts:  r.cfg.MaxRetries,
		BaseDelay:    r.cfg.BaseBackoff,
		MaxDelay:     r.cfg.MaxBackoff,
		JitterFactor: 0.2,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("Attempt %d of task %s failed (%s), retrying in %s: %v",
				attempt, t.ID, apperrors.Kind(err), delay.Round(time.Millisecond), err)
		},
	}
	out, err := apperrors.RetryWithResultAndLog(ctx, retry, func(ctx context.Context) (Outcome, error) {
		attempts++
		return r.attempt(ctx, t, attempts)
	}, logger)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(observability.ErrorAttrs(err)...)
		if ctx.Err() != nil {
			r.deps.Metrics.RecordAgentTurn(ctx, r.profile.Role.String(), "cancelled")
			return Outcome{Attempts: attempts}, fmt.Errorf("task %s: %w: %w", t.ID, apperrors.ErrCancelled, ctx.Err())
		}
		failure := apperrors.TaskFailed(t.ID, err)
		logger.Error("Task %s failed after %d attempt(s): %v", t.ID, attempts, err)
		r.publish(bus.TopicAgentFailure, FailureEvent{
			TaskID:   t.ID,
			AgentID:  r.id,
			Role:     r.profile.Role.String(),
			Kind:     apperrors.Kind(err),
			Error:    err.Error(),
			Attempts: attempts,
		})
		r.deps.Metrics.RecordAgentTurn(ctx, r.profile.Role.String(), "failed")
		return Outcome{Attempts: attempts}, failure
	}

	out.Attempts = attempts
	outcome := "ok"
	if out.Degraded {
		outcome = "degraded"
	}
	r.deps.Metrics.RecordAgentTurn(ctx, r.profile.Role.String(), outcome)
	r.publish(bus.TopicAgentTurn, TurnEvent{
		TaskID:   t.ID,
		AgentID:  r.id,
		Role:     r.profile.Role.String(),
		Model:    r.profile.Model,
		EntryID:  out.EntryID,
		Degraded: out.Degraded,
		Attempts: attempts,
	})
	if target := r.profile.HandoffTo; target.Valid() && target != r.profile.Role {
		r.publish(bus.HandoffTopic(target.String()), Handoff{
			TaskID:   t.ID,
			From:     r.profile.Role.String(),
			To:       target.String(),
			Input:    t.Input,
			Result:   out.Text,
			Priority: t.Priority,
			Context:  t.Context,
		})
	}
	return out, nil
}

func (r *Runtime) priority(t task.Task) int {
	if t.Priority > r.profile.Priority {
		return t.Priority
	}
	return r.profile.Priority
}

func (r *Runtime) publish(topic string, payload any) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(topic, r.id, payload)
	}
}

// attempt is one pass through the turn state machine.
func (r *Runtime) attempt(ctx context.Context, t task.Task, n int) (out Outcome, err error) {
	defer func() {
		if err != nil {
			r.setPhase(PhaseFailed)
		}
	}()
	logger := logging.FromContext(ctx, r.logger)

	r.setPhase(PhaseContextAssembly)
	prompt := r.assemble(ctx, t)

	r.setPhase(PhaseAwaitingSlot)
	slotCtx, slotSpan := r.deps.Tracer.StartSpan(ctx, observability.SpanAwaitSlot,
		attribute.Int(observability.AttrAttempt, n))
	slot, err := r.deps.Slots.Acquire(slotCtx, r.id, r.priority(t))
	slotSpan.End()
	if err != nil {
		return Outcome{}, err
	}
	slotHeld := true
	releaseSlot := func() {
		if slotHeld {
			slotHeld = false
			if err := r.deps.Slots.Release(slot); err != nil {
				logger.Warn("Releasing slot %s: %v", slot.ID, err)
			}
		}
	}
	defer releaseSlot()

	handle, err := r.deps.Models.Acquire(ctx, r.profile.Model)
	if err != nil {
		return Outcome{}, err
	}
	modelHeld := true
	releaseModel := func() {
		if modelHeld {
			modelHeld = false
			if err := r.deps.Models.Release(r.profile.Model); err != nil {
				logger.Warn("Releasing model %s: %v", r.profile.Model, err)
			}
		}
	}
	defer releaseModel()

	r.setPhase(PhaseInferring)
	res, err := r.infer(ctx, slot, handle, prompt, n)
	releaseModel()
	releaseSlot()
	if err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled mid-inference: the output is discarded.
		return Outcome{}, err
	}

	r.setPhase(PhasePersisting)
	entry := r.persist(ctx, t, handle, res, n)
	return Outcome{
		Text:           res.Text,
		Degraded:       res.Degraded,
		DegradedReason: res.DegradedReason,
		EntryID:        entry.ID,
	}, nil
}

// assemble recalls context for the task. Recall is best effort: when the
// embedding service is unavailable the turn proceeds with the bare input.
func (r *Runtime) assemble(ctx context.Context, t task.Task) string {
	ctx, span := r.deps.Tracer.StartSpan(ctx, observability.SpanContextAssembly)
	defer span.End()

	var opts []contextstore.QueryOption
	if len(r.profile.SharedNamespaces) > 0 {
		opts = append(opts, contextstore.WithNamespaces(r.profile.SharedNamespaces...))
	}
	recalled, err := r.deps.Memory.QueryText(ctx, r.id, t.Input, r.cfg.RecallK, opts...)
	if err != nil {
		logging.FromContext(ctx, r.logger).Warn("Recall for task %s skipped: %v", t.ID, err)
		span.SetAttributes(observability.ErrorAttrs(err)...)
		recalled = nil
	}
	span.SetAttributes(attribute.Int("edgeai.recall.hits", len(recalled)))
	return buildPrompt(r.profile.SystemPrompt, t.Input, recalled, r.cfg.PromptTokenBudget)
}

// infer runs the backend bound to the slot lease. A revoked lease fails the
// call with SlotRevoked even if the backend ignored cancellation.
func (r *Runtime) infer(ctx context.Context, slot *scheduler.Slot, handle registry.Handle, prompt string, n int) (inference.Result, error) {
	ctx, span := r.deps.Tracer.StartSpan(ctx, observability.SpanInference,
		attribute.Int(observability.AttrAttempt, n))
	defer span.End()

	leaseCtx, cancel := slot.Context(ctx)
	defer cancel()

	res, err := r.deps.Backend.Infer(leaseCtx, handle, prompt, inference.Params{
		System:      r.profile.SystemPrompt,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if revoked := slot.Err(); revoked != nil {
		err = revoked
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return inference.Result{}, err
	}
	span.SetAttributes(observability.InferenceAttrs(handle.ModelID, res.PromptTokens, res.CompletionTokens, res.Degraded)...)
	return res, nil
}

// persist appends the turn to the agent's log. The entry is recorded even if
// durable storage or embedding fails; such errors are logged.
func (r *Runtime) persist(ctx context.Context, t task.Task, handle registry.Handle, res inference.Result, n int) contextstore.Entry {
	ctx, span := r.deps.Tracer.StartSpan(ctx, observability.SpanPersist)
	defer span.End()

	meta := map[string]string{
		"model":   handle.ModelID,
		"attempt": strconv.Itoa(n),
		"input":   token.Truncate(t.Input, 64),
	}
	if res.Degraded {
		meta["degraded_reason"] = res.DegradedReason
	}
	entry, err := r.deps.Memory.Append(ctx, r.id, contextstore.Entry{
		Kind:     contextstore.KindTurn,
		Content:  res.Text,
		TaskID:   t.ID,
		Degraded: res.Degraded,
		Metadata: meta,
	})
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		logging.FromContext(ctx, r.logger).Warn("Turn for task %s kept in memory only: %v", t.ID, err)
	}
	if entry.ID != "" {
		r.publishShared(ctx, entry)
	}
	return entry
}

// publishShared copies a persisted turn into the profile's publish namespaces so
// agents granted those namespaces can recall it.
func (r *Runtime) publishShared(ctx context.Context, entry contextstore.Entry) {
	for _, ns := range r.profile.PublishNamespaces {
		cp := entry
		cp.ID = ""
		cp.Metadata = maps.Clone(entry.Metadata)
		if cp.Metadata == nil {
			cp.Metadata = map[string]string{}
		}
		cp.Metadata["origin"] = entry.ID
		if _, err := r.deps.Memory.AppendShared(ctx, ns, r.id, cp); err != nil {
			logging.FromContext(ctx, r.logger).Warn("Publishing %s to %s: %v", entry.ID, ns, err)
		}
	}
}

// IsCancelled reports whether err came from a cancelled turn.
func IsCancelled(err error) bool {
	return errors.Is(err, apperrors.ErrCancelled)
}
