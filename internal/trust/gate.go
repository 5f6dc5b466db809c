package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/scheduler"
)

// ErrDelayLimit is returned when a prompt has been delayed the maximum number of times.
var ErrDelayLimit = errors.New("delay limit reached")

// PromptStore persists the pending set so prompts survive a restart.
type PromptStore interface {
	SavePrompt(ctx context.Context, p PendingPrompt) error
	DeletePrompt(ctx context.Context, id string) error
	ListPrompts(ctx context.Context) ([]PendingPrompt, error)
}

type entry struct {
	prompt Prompt
	delays int
	order  int64
}

// Gate holds pending prompts and the process-wide kill switch.
// Both live behind one mutex; the pool reads the flag on every dequeue while
// operators write it, alongside decisions, from HTTP handlers.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*entry
	seq       int64
	paused    bool
	listeners []func(paused bool)

	maxDelays int
	store     PromptStore // may be nil
	bus       *events.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate creates a gate. maxDelays of 0 allows unlimited delays.
// store and bus may be nil.
func NewGate(store PromptStore, bus *events.EventBus, maxDelays int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		pending:   make(map[string]*entry),
		maxDelays: maxDelays,
		store:     store,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// Restore loads persisted prompts into the pending set. Call once at startup.
func (g *Gate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	stored, err := g.store.ListPrompts(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore prompts: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sp := range stored {
		g.pending[sp.Prompt.ID] = &entry{prompt: sp.Prompt.clone(), delays: sp.Delays, order: sp.Order}
		if sp.Order > g.seq {
			g.seq = sp.Order
		}
	}
	g.logger.Info("restored pending prompts", "count", len(stored))
	return nil
}

// CreatePrompt adds a prompt to the pending set and returns it.
func (g *Gate) CreatePrompt(ctx context.Context, req PromptRequest) (Prompt, error) {
	if req.Level < LevelLow || req.Level > LevelHigh {
		return Prompt{}, fmt.Errorf("%w: prompt level must be 1-3, got %d", scheduler.ErrValidation, req.Level)
	}
	options := req.Options
	if len(options) == 0 {
		options = AllDecisions
	}

	p := Prompt{
		ID:        uuid.New().String(),
		Level:     req.Level,
		Title:     req.Title,
		Rationale: req.Rationale,
		Options:   options,
		CreatedAt: g.now().UTC(),
		Meta:      req.Meta,
	}
	p = p.clone()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	e := &entry{prompt: p, order: g.seq}
	if err := g.persist(ctx, e); err != nil {
		return Prompt{}, err
	}
	g.pending[p.ID] = e

	g.logger.Info("trust prompt created",
		"prompt_id", p.ID, "level", p.Level, "job_id", p.JobID(), "task_id", p.TaskID())
	g.publish(events.EventTypePrompt, p.clone())

	return p.clone(), nil
}

// Get returns a pending prompt.
func (g *Gate) Get(id string) (Prompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.pending[id]
	if !ok {
		return Prompt{}, false
	}
	return e.prompt.clone(), true
}

// Pending returns the pending prompts, oldest first. Delayed prompts sort
// after everything that was pending when they were delayed.
func (g *Gate) Pending() []Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := make([]*entry, 0, len(g.pending))
	for _, e := range g.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	out := make([]Prompt, len(entries))
	for i, e := range entries {
		out[i] = e.prompt.clone()
	}
	return out
}

// Delays reports how many times a pending prompt has been delayed.
func (g *Gate) Delays(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.pending[id]; ok {
		return e.delays
	}
	return 0
}

// Decide records an operator decision.
// approve and reject remove the prompt from the pending set; delay keeps it
// pending, unchanged, at the back of the order. The decided prompt is returned
// so the caller can act on the task it blocked.
func (g *Gate) Decide(ctx context.Context, id string, decision Decision) (Prompt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: prompt %s", scheduler.ErrNotFound, id)
	}
	if !e.prompt.Allows(decision) {
		return Prompt{}, fmt.Errorf("%w: decision %q is not an option for prompt %s", scheduler.ErrValidation, decision, id)
	}

	if decision == DecisionDelay {
		if g.maxDelays > 0 && e.delays >= g.maxDelays {
			return Prompt{}, fmt.Errorf("%w: prompt %s was delayed %d times", ErrDelayLimit, id, e.delays)
		}
		g.seq++
		next := &entry{prompt: e.prompt, delays: e.delays + 1, order: g.seq}
		if err := g.persist(ctx, next); err != nil {
			return Prompt{}, err
		}
		g.pending[id] = next
	} else {
		delete(g.pending, id)
		g.unpersist(ctx, id)
	}

	g.logger.Info("trust decision recorded", "prompt_id", id, "decision", decision,
		"job_id", e.prompt.JobID(), "task_id", e.prompt.TaskID())
	g.publish(events.EventTypeDecision, events.DecisionPayload{
		PromptID: id,
		Decision: string(decision),
		JobID:    e.prompt.JobID(),
		TaskID:   e.prompt.TaskID(),
	})

	return e.prompt.clone(), nil
}

// Discard removes a prompt without a decision, used when its job is cancelled.
func (g *Gate) Discard(ctx context.Context, id string) (Prompt, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[id]
	if !ok {
		return Prompt{}, false
	}
	delete(g.pending, id)
	g.unpersist(ctx, id)
	g.logger.Info("trust prompt discarded", "prompt_id", id, "job_id", e.prompt.JobID())
	return e.prompt.clone(), true
}

// SetPaused flips the kill switch. Listeners run after the lock is released,
// only when the value actually changes.
func (g *Gate) SetPaused(paused bool) {
	g.mu.Lock()
	changed := g.paused != paused
	g.paused = paused
	listeners := append([]func(bool){}, g.listeners...)
	if changed {
		g.logger.Warn("kill switch changed", "paused", paused)
		g.publish(events.EventTypeKill, events.KillPayload{Paused: paused})
	}
	g.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(paused)
	}
}

// IsPaused reports the kill switch state.
func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// OnPauseChange registers fn to run whenever the kill switch flips.
func (g *Gate) OnPauseChange(fn func(paused bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Gate) persist(ctx context.Context, e *entry) error {
	if g.store == nil {
		return nil
	}
	err := g.store.SavePrompt(ctx, PendingPrompt{Prompt: e.prompt, Delays: e.delays, Order: e.order})
	if err != nil {
		return fmt.Errorf("failed to persist prompt %s: %w", e.prompt.ID, err)
	}
	return nil
}

// unpersist runs after the in-memory removal; a failure leaves a stale row
// that Restore will bring back, so it is logged rather than returned.
func (g *Gate) unpersist(ctx context.Context, id string) {
	if g.store == nil {
		return
	}
	if err := g.store.DeletePrompt(ctx, id); err != nil {
		g.logger.Error("failed to delete persisted prompt", "prompt_id", id, "error", err)
	}
}

func (g *Gate) publish(eventType string, payload any) {
	if g.bus != nil {
		g.bus.Publish(eventType, payload)
	}
}
