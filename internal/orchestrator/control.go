package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/executor"
	"github.com/aristath/trustgate/internal/scheduler"
)

// TaskRequest is a standalone task submission.
type TaskRequest struct {
	Kind        scheduler.Kind
	Name        string
	Description string
	Params      map[string]string
	Priority    int
	MaxRetries  *int
	Simulate    bool
	Sandbox     scheduler.Sandbox
	Resources   []string
}

// SubmitTask validates and enqueues a task that belongs to no job.
func (o *Orchestrator) SubmitTask(ctx context.Context, req TaskRequest) (*scheduler.Task, error) {
	kind, err := scheduler.ParseKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	if err := scheduler.ValidateParams(kind, req.Params); err != nil {
		return nil, err
	}
	maxRetries := o.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: maxRetries must not be negative", scheduler.ErrValidation)
		}
		maxRetries = *req.MaxRetries
	}

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	task := &scheduler.Task{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Kind:        kind,
		Environment: kind.Environment(),
		Params:      params,
		Priority:    req.Priority,
		Resources:   append([]string(nil), req.Resources...),
		Status:      scheduler.TaskPending,
		MaxRetries:  maxRetries,
		Logs:        []string{},
		Errors:      []string{},
		Simulate:    req.Simulate,
		Sandbox:     req.Sandbox,
		CreatedAt:   o.now(),
	}
	if task.Name == "" {
		task.Name = task.Summary()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	o.pool.Submit(task)
	o.logger.Info("task submitted", "task_id", task.ID, "kind", task.Kind, "priority", task.Priority)
	return task.Clone(), nil
}

// CancelJob cancels a job. Running tasks are asked to stop and the job
// becomes cancelled once none is left running. Cancelling a job that is
// terminal or already stopping changes nothing.
func (o *Orchestrator) CancelJob(ctx context.Context, id string) (*scheduler.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() || job.CancelRequested {
		return job, nil
	}
	o.cancelJobLocked(ctx, job)
	return job, nil
}

// cancelJobLocked withdraws every task of the job and finalizes it when
// nothing is left running.
func (o *Orchestrator) cancelJobLocked(ctx context.Context, job *scheduler.Job) {
	job.CancelRequested = true
	if job.WaitingForPromptID != "" {
		o.gate.Discard(ctx, job.WaitingForPromptID)
		job.WaitingForPromptID = ""
	}
	delete(o.deferred, job.ID)

	running := o.stopTasksLocked(ctx, job.ID, "cancelled with job")
	if running == 0 {
		job.Status = scheduler.JobCancelled
		o.logger.Info("job cancelled", "job_id", job.ID)
	} else {
		if job.Status == scheduler.JobWaitingForUser {
			job.Status = scheduler.JobRunning
		}
		o.logger.Info("job cancellation requested", "job_id", job.ID, "running", running)
	}
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("failed to save cancelled job", "job_id", job.ID, "error", err)
	}
}

// failJobLocked fails a job and cancels what is left of it.
func (o *Orchestrator) failJobLocked(ctx context.Context, job *scheduler.Job, reason string) {
	if job.WaitingForPromptID != "" {
		o.gate.Discard(ctx, job.WaitingForPromptID)
		job.WaitingForPromptID = ""
	}
	delete(o.deferred, job.ID)
	o.stopTasksLocked(ctx, job.ID, "cancelled: job failed")

	job.Status = scheduler.JobFailed
	job.Error = reason
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("failed to save failed job", "job_id", job.ID, "error", err)
	}
	o.logger.Warn("job failed", "job_id", job.ID, "reason", reason)
}

// stopTasksLocked cancels every unfinished task of a job and returns how many
// are still running. Those are stopped cooperatively and reported back
// through TaskFinished.
func (o *Orchestrator) stopTasksLocked(ctx context.Context, jobID, line string) int {
	tasks, err := o.store.ListJobTasks(ctx, jobID)
	if err != nil {
		o.logger.Error("failed to load job tasks", "job_id", jobID, "error", err)
		return 0
	}

	running := 0
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		switch o.pool.Cancel(task.ID) {
		case executor.Stopping:
			running++
			continue
		case executor.NotOwned:
			if task.Status == scheduler.TaskRunning {
				// Finishing; the pool reports it shortly
				running++
				continue
			}
		}
		o.markCancelledLocked(ctx, task, line)
	}
	return running
}

func (o *Orchestrator) markCancelledLocked(ctx context.Context, task *scheduler.Task, line string) {
	now := o.now()
	task.Status = scheduler.TaskCancelled
	task.EndTime = &now
	if err := o.saveTask(ctx, task); err != nil {
		o.logger.Error("failed to save cancelled task", "task_id", task.ID, "error", err)
		return
	}
	o.logTask(ctx, task, line, true)
}

// finishCancelLocked marks a job with a pending cancellation cancelled once
// none of its tasks is running.
func (o *Orchestrator) finishCancelLocked(ctx context.Context, job *scheduler.Job) {
	tasks, err := o.store.ListJobTasks(ctx, job.ID)
	if err != nil {
		o.logger.Error("failed to load job tasks", "job_id", job.ID, "error", err)
		return
	}
	if o.runningCountLocked(tasks) > 0 {
		return
	}
	job.Status = scheduler.JobCancelled
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("failed to save cancelled job", "job_id", job.ID, "error", err)
		return
	}
	o.logger.Info("job cancelled", "job_id", job.ID)
}

// runningCountLocked counts tasks of a job the pool has not yet handed back.
func (o *Orchestrator) runningCountLocked(tasks []*scheduler.Task) int {
	n := 0
	for _, task := range tasks {
		if task.Status == scheduler.TaskRunning || o.pool.IsRunning(task.ID) {
			n++
		}
	}
	return n
}

// TaskFinished advances the owning job after the pool gives a task back.
func (o *Orchestrator) TaskFinished(finished *scheduler.Task) {
	ctx := context.Background()
	o.publish(events.EventTypeTask, finished.Clone())
	if finished.JobID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, finished.JobID)
	if err != nil {
		o.logger.Error("failed to load job for finished task", "job_id", finished.JobID, "task_id", finished.ID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}
	tasks, err := o.store.ListJobTasks(ctx, job.ID)
	if err != nil {
		o.logger.Error("failed to load job tasks", "job_id", job.ID, "error", err)
		return
	}

	if job.CancelRequested {
		o.finishCancelLocked(ctx, job)
		return
	}

	switch finished.Status {
	case scheduler.TaskCompleted:
		if job.Result == nil {
			job.Result = map[string]string{}
		}
		job.Result[finished.ID] = finished.Result
		if scheduler.AllCompleted(tasks) {
			job.Status = scheduler.JobCompleted
			o.logger.Info("job completed", "job_id", job.ID, "tasks", len(tasks))
		}
		if err := o.saveJob(ctx, job); err != nil {
			o.logger.Error("failed to save job", "job_id", job.ID, "error", err)
			return
		}
		o.dispatchReady(job, tasks)

	case scheduler.TaskFailed:
		reason := fmt.Sprintf("task %s failed", finished.ID)
		if n := len(finished.Errors); n > 0 {
			reason += ": " + finished.Errors[n-1]
		}
		o.failJobLocked(ctx, job, reason)

	case scheduler.TaskCancelled:
		o.cancelJobLocked(ctx, job)
	}
}

// CancelTask cancels one task. A task that belongs to a job cancels the job.
func (o *Orchestrator) CancelTask(ctx context.Context, id string) (*scheduler.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	if task.JobID != "" {
		job, err := o.store.GetJob(ctx, task.JobID)
		if err != nil {
			return nil, err
		}
		if !job.Status.Terminal() && !job.CancelRequested {
			o.cancelJobLocked(ctx, job)
		}
		return o.store.GetTask(ctx, id)
	}

	if prompt := o.promptForTask(id); prompt != "" {
		o.gate.Discard(ctx, prompt)
	}
	switch o.pool.Cancel(id) {
	case executor.Stopping:
		return task, nil
	case executor.NotOwned:
		if task.Status == scheduler.TaskRunning {
			return task, nil
		}
	}
	o.markCancelledLocked(ctx, task, "cancelled by operator")
	return task, nil
}

func (o *Orchestrator) promptForTask(taskID string) string {
	for _, p := range o.gate.Pending() {
		if p.TaskID() == taskID {
			return p.ID
		}
	}
	return ""
}

// PauseTask holds a pending task so it is not dispatched.
func (o *Orchestrator) PauseTask(ctx context.Context, id string) (*scheduler.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != scheduler.TaskPending || task.Held {
		return nil, fmt.Errorf("%w: task %s is %s", scheduler.ErrInvalidState, id, task.Status)
	}
	if o.pool.IsRunning(id) {
		return nil, fmt.Errorf("%w: task %s is starting", scheduler.ErrInvalidState, id)
	}

	o.pool.Withdraw(id)
	task.Status = scheduler.TaskPaused
	task.Held = true
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	o.logTask(ctx, task, "paused by operator", false)
	return task, nil
}

// ResumeTask releases an operator hold.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) (*scheduler.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != scheduler.TaskPaused || !task.Held {
		return nil, fmt.Errorf("%w: task %s is not paused by an operator", scheduler.ErrInvalidState, id)
	}

	task.Status = scheduler.TaskPending
	task.Held = false
	if err := o.saveTask(ctx, task); err != nil {
		return nil, err
	}
	o.logTask(ctx, task, "resumed by operator", false)

	if task.JobID == "" {
		o.pool.Submit(task)
		return task, nil
	}
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.ListJobTasks(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	o.dispatchReady(job, tasks)
	return task, nil
}
