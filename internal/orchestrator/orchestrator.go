// Package orchestrator runs the job state machine: it turns goals into task
// plans, gates risky tasks behind trust prompts and drives jobs to a
// terminal state as the executor pool reports results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/executor"
	"github.com/aristath/trustgate/internal/persistence"
	"github.com/aristath/trustgate/internal/planner"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// Options wires the orchestrator to its collaborators.
type Options struct {
	Store      persistence.Store
	Gate       *trust.Gate
	Policy     *trust.Policy
	Pool       *executor.Pool
	Planner    planner.Planner
	Bus        *events.EventBus // may be nil
	Logger     *slog.Logger
	MaxRetries int // Default for tasks whose plan does not set one
}

// GoalRequest is a goal submission.
type GoalRequest struct {
	Goal     string
	Priority int
	Simulate bool
	Sandbox  scheduler.Sandbox
}

// JobView is a job together with its tasks.
type JobView struct {
	*scheduler.Job
	Tasks []*scheduler.Task `json:"tasks"`
}

// Orchestrator owns every job transition. All job writes happen under mu;
// prompts are written through the gate while mu is held, never the reverse.
type Orchestrator struct {
	mu       sync.Mutex
	deferred map[string][]string // job id -> tasks parked behind the job's open prompt

	store      persistence.Store
	gate       *trust.Gate
	policy     *trust.Policy
	pool       *executor.Pool
	planner    planner.Planner
	bus        *events.EventBus
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	planWG  sync.WaitGroup
}

var (
	_ executor.Admitter = (*Orchestrator)(nil)
	_ executor.Listener = (*Orchestrator)(nil)
)

// New creates an orchestrator and connects it to the pool and the gate.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deferred:   make(map[string][]string),
		store:      opts.Store,
		gate:       opts.Gate,
		policy:     opts.Policy,
		pool:       opts.Pool,
		planner:    opts.Planner,
		bus:        opts.Bus,
		logger:     logger,
		maxRetries: opts.MaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    ctx,
		cancel:     cancel,
	}

	o.pool.SetAdmitter(o)
	o.pool.SetListener(o)
	o.pool.SetPauseSource(o.gate)
	o.gate.OnPauseChange(o.pool.OnPauseChange)
	return o
}

// Close stops background planning and waits for it to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.planWG.Wait()
}

// SubmitGoal records a job and plans it in the background.
// It fails only on malformed input.
func (o *Orchestrator) SubmitGoal(ctx context.Context, req GoalRequest) (string, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return "", fmt.Errorf("%w: goal must not be empty", scheduler.ErrValidation)
	}

	now := o.now()
	job := &scheduler.Job{
		ID:        uuid.New().String(),
		Goal:      goal,
		Priority:  req.Priority,
		Simulate:  req.Simulate,
		Sandbox:   req.Sandbox,
		Status:    scheduler.JobSubmitted,
		TaskIDs:   []string{},
		Result:    map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	o.mu.Lock()
	err := o.saveJob(ctx, job)
	o.mu.Unlock()
	if err != nil {
		return "", err
	}

	o.logger.Info("job submitted", "job_id", job.ID, "priority", job.Priority, "simulate", job.Simulate)
	o.startPlanning(job.ID, goal)
	return job.ID, nil
}

func (o *Orchestrator) startPlanning(jobID, goal string) {
	o.planWG.Add(1)
	go func() {
		defer o.planWG.Done()
		o.plan(o.baseCtx, jobID, goal)
	}()
}

// plan turns the goal into tasks and starts the job.
func (o *Orchestrator) plan(ctx context.Context, jobID, goal string) {
	planned, planErr := o.planner.Plan(ctx, goal)
	if ctx.Err() != nil {
		// Shutting down; Recover plans the job again on the next start
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load job after planning", "job_id", jobID, "error", err)
		return
	}
	if job.Status != scheduler.JobSubmitted {
		// Cancelled while planning
		return
	}
	if planErr != nil {
		o.failJobLocked(ctx, job, "planning failed: "+planErr.Error())
		return
	}

	tasks, order, err := o.buildTasks(job, planned)
	if err != nil {
		o.failJobLocked(ctx, job, "invalid plan: "+err.Error())
		return
	}
	for _, task := range tasks {
		if err := o.store.SaveTask(ctx, task); err != nil {
			o.failJobLocked(ctx, job, "failed to store plan: "+err.Error())
			return
		}
		o.publish(events.EventTypeTask, task.Clone())
	}

	job.TaskIDs = order
	if len(tasks) == 0 {
		job.Status = scheduler.JobCompleted
		o.logger.Info("job completed with an empty plan", "job_id", job.ID)
	} else {
		job.Status = scheduler.JobRunning
		o.logger.Info("job planned", "job_id", job.ID, "tasks", len(tasks))
	}
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("failed to save planned job", "job_id", job.ID, "error", err)
		return
	}
	o.dispatchReady(job, tasks)
}

// buildTasks converts plan steps into task records and validates the graph.
func (o *Orchestrator) buildTasks(job *scheduler.Job, planned []planner.PlannedTask) ([]*scheduler.Task, []string, error) {
	ids := make(map[string]string, len(planned))
	for _, p := range planned {
		if _, dup := ids[p.Ref]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate plan step %q", scheduler.ErrValidation, p.Ref)
		}
		ids[p.Ref] = uuid.New().String()
	}

	now := o.now()
	tasks := make([]*scheduler.Task, 0, len(planned))
	for _, p := range planned {
		deps := make([]string, 0, len(p.DependsOn))
		for _, ref := range p.DependsOn {
			if id, ok := ids[ref]; ok {
				deps = append(deps, id)
			} else {
				deps = append(deps, ref) // OrderPlan reports it as dangling
			}
		}
		maxRetries := o.maxRetries
		if p.MaxRetries != nil {
			if *p.MaxRetries < 0 {
				return nil, nil, fmt.Errorf("%w: plan step %q: maxRetries must not be negative", scheduler.ErrValidation, p.Ref)
			}
			maxRetries = *p.MaxRetries
		}
		params := make(map[string]string, len(p.Params))
		for k, v := range p.Params {
			params[k] = v
		}
		tasks = append(tasks, &scheduler.Task{
			ID:          ids[p.Ref],
			JobID:       job.ID,
			Name:        p.Name,
			Description: p.Description,
			Kind:        p.Kind,
			Environment: p.Kind.Environment(),
			Params:      params,
			Priority:    job.Priority,
			DependsOn:   deps,
			Resources:   append([]string(nil), p.Resources...),
			Status:      scheduler.TaskPending,
			MaxRetries:  maxRetries,
			Logs:        []string{},
			Errors:      []string{},
			Simulate:    job.Simulate,
			Sandbox:     job.Sandbox,
			CreatedAt:   now,
		})
	}

	order, err := scheduler.OrderPlan(tasks)
	if err != nil {
		return nil, nil, err
	}
	return tasks, order, nil
}

// dispatchReady hands every runnable task of a job to the pool.
func (o *Orchestrator) dispatchReady(job *scheduler.Job, tasks []*scheduler.Task) {
	if job.Status.Terminal() || job.CancelRequested {
		return
	}
	for _, task := range scheduler.Ready(tasks) {
		o.pool.Submit(task)
	}
}

// GetJob returns a job with its tasks. Reads take the orchestrator lock so
// a job is never seen half way through a decision.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*JobView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListJobTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Tasks: orderTasks(job.TaskIDs, tasks)}, nil
}

// orderTasks sorts tasks into plan order.
func orderTasks(order []string, tasks []*scheduler.Task) []*scheduler.Task {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	out := make([]*scheduler.Task, len(tasks))
	copy(out, tasks)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && pos[out[j].ID] < pos[out[j-1].ID]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ListJobs returns every job, most urgent first, then oldest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]*scheduler.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.ListJobs(ctx)
}

// ListTasks returns every task record.
func (o *Orchestrator) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	return o.store.ListTasks(ctx)
}

// GetTask returns one task record.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*scheduler.Task, error) {
	return o.store.GetTask(ctx, id)
}

// PendingPrompts returns the open trust prompts in decision order.
func (o *Orchestrator) PendingPrompts() []trust.Prompt {
	return o.gate.Pending()
}

// SetPaused engages or releases the kill switch.
func (o *Orchestrator) SetPaused(paused bool) {
	o.gate.SetPaused(paused)
}

// IsPaused reports the kill switch.
func (o *Orchestrator) IsPaused() bool {
	return o.gate.IsPaused()
}

// Classify evaluates the trust policy for an action without creating anything.
func (o *Orchestrator) Classify(action trust.Action, sandbox scheduler.Sandbox) trust.Verdict {
	return o.policy.Classify(action, sandbox)
}

func (o *Orchestrator) saveJob(ctx context.Context, job *scheduler.Job) error {
	job.UpdatedAt = o.now()
	if err := o.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	o.publish(events.EventTypeJob, job.Clone())
	return nil
}

func (o *Orchestrator) saveTask(ctx context.Context, task *scheduler.Task) error {
	if err := o.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	o.publish(events.EventTypeTask, task.Clone())
	return nil
}

// logTask appends a line to a task the orchestrator owns.
func (o *Orchestrator) logTask(ctx context.Context, task *scheduler.Task, line string, isError bool) {
	if isError {
		task.Errors = append(task.Errors, line)
	} else {
		task.Logs = append(task.Logs, line)
	}
	if err := o.store.AppendTaskLog(ctx, task.ID, line, isError); err != nil {
		o.logger.Error("failed to append task log", "task_id", task.ID, "error", err)
	}
	o.publish(events.EventTypeLog, events.LogPayload{TaskID: task.ID, JobID: task.JobID, Line: line, Error: isError})
}

func (o *Orchestrator) publish(eventType string, payload any) {
	if o.bus != nil {
		o.bus.Publish(eventType, payload)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, scheduler.ErrNotFound)
}
