package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/trustgate/internal/executor"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// Admit runs the trust policy for a dequeued task. Tasks that need
// confirmation are parked behind a prompt; a job holds at most one open
// prompt, further gated tasks of that job wait until it is decided.
func (o *Orchestrator) Admit(ctx context.Context, queued *scheduler.Task) (executor.Admission, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task, err := o.store.GetTask(ctx, queued.ID)
	if err != nil {
		if isNotFound(err) {
			return executor.AdmitDrop, nil
		}
		return executor.AdmitDrop, err
	}
	if task.Status != scheduler.TaskPending || task.Held {
		return executor.AdmitDrop, nil
	}

	var job *scheduler.Job
	if task.JobID != "" {
		job, err = o.store.GetJob(ctx, task.JobID)
		if err != nil {
			return executor.AdmitDrop, err
		}
		if job.Status.Terminal() {
			return executor.AdmitDrop, nil
		}
		if job.CancelRequested {
			// A task that slipped back into the pool while the job was
			// being cancelled ends here instead of running.
			o.markCancelledLocked(ctx, task, "cancelled with job")
			o.finishCancelLocked(ctx, job)
			return executor.AdmitDrop, nil
		}
	}

	if task.Approved {
		return executor.AdmitRun, nil
	}
	verdict := o.policy.Classify(trust.ActionFor(task), task.Sandbox)
	if !verdict.RequiresConfirmation {
		return executor.AdmitRun, nil
	}

	if job != nil && job.Status == scheduler.JobWaitingForUser {
		o.deferred[job.ID] = appendUnique(o.deferred[job.ID], task.ID)
		task.Status = scheduler.TaskPaused
		if err := o.saveTask(ctx, task); err != nil {
			return executor.AdmitDrop, err
		}
		o.logTask(ctx, task, fmt.Sprintf("waiting for prompt %s before asking for approval", job.WaitingForPromptID), false)
		return executor.AdmitPark, nil
	}

	meta := map[string]string{
		trust.MetaTaskID:        task.ID,
		trust.MetaKind:          string(task.Kind),
		trust.MetaCapability:    string(verdict.Capability),
		trust.MetaPolicyVersion: verdict.PolicyVersion,
	}
	if job != nil {
		meta[trust.MetaJobID] = job.ID
	}
	prompt, err := o.gate.CreatePrompt(ctx, trust.PromptRequest{
		Level:     verdict.Level,
		Title:     "Approve: " + task.Summary(),
		Rationale: verdict.Rationale,
		Meta:      meta,
	})
	if err != nil {
		return executor.AdmitDrop, fmt.Errorf("failed to create trust prompt: %w", err)
	}

	task.Status = scheduler.TaskPaused
	if err := o.saveTask(ctx, task); err != nil {
		o.gate.Discard(ctx, prompt.ID)
		return executor.AdmitDrop, err
	}
	o.logTask(ctx, task, fmt.Sprintf("waiting for approval (level %d): %s", verdict.Level, verdict.Rationale), false)

	if job != nil {
		job.Status = scheduler.JobWaitingForUser
		job.WaitingForPromptID = prompt.ID
		if err := o.saveJob(ctx, job); err != nil {
			o.logger.Error("failed to save waiting job", "job_id", job.ID, "error", err)
		}
	}

	o.logger.Info("task gated", "task_id", task.ID, "job_id", task.JobID,
		"prompt_id", prompt.ID, "level", verdict.Level, "policy_violation", verdict.PolicyViolation)
	return executor.AdmitPark, nil
}

// ResumeJob applies an operator decision to the prompt and the task it
// blocks. The owning job is returned, or nil for a standalone task.
func (o *Orchestrator) ResumeJob(ctx context.Context, promptID string, decision trust.Decision) (*scheduler.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	prompt, err := o.gate.Decide(ctx, promptID, decision)
	if err != nil {
		return nil, err
	}

	var job *scheduler.Job
	if id := prompt.JobID(); id != "" {
		job, err = o.store.GetJob(ctx, id)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	if decision == trust.DecisionDelay {
		return job, nil
	}

	task, err := o.store.GetTask(ctx, prompt.TaskID())
	if err != nil {
		if isNotFound(err) {
			return job, nil
		}
		return nil, err
	}

	if decision == trust.DecisionApprove {
		o.approveLocked(ctx, job, task)
	} else {
		o.rejectLocked(ctx, job, task)
	}
	return job, nil
}

func (o *Orchestrator) approveLocked(ctx context.Context, job *scheduler.Job, task *scheduler.Task) {
	if task.Status == scheduler.TaskPaused {
		task.Status = scheduler.TaskPending
		task.Approved = true
		if err := o.saveTask(ctx, task); err != nil {
			o.logger.Error("failed to save approved task", "task_id", task.ID, "error", err)
			return
		}
		o.logTask(ctx, task, "approved by operator", false)
	}

	if job == nil {
		if task.Status == scheduler.TaskPending {
			o.pool.Submit(task)
		}
		return
	}
	if job.Status.Terminal() {
		return
	}

	job.Status = scheduler.JobRunning
	job.WaitingForPromptID = ""
	if err := o.saveJob(ctx, job); err != nil {
		o.logger.Error("failed to save resumed job", "job_id", job.ID, "error", err)
	}
	if task.Status == scheduler.TaskPending {
		o.pool.Submit(task)
	}
	o.releaseDeferredLocked(ctx, job.ID)
}

// releaseDeferredLocked re-enqueues tasks that waited behind the job's prompt.
// Each goes through admission again and may open the next prompt.
func (o *Orchestrator) releaseDeferredLocked(ctx context.Context, jobID string) {
	ids := o.deferred[jobID]
	delete(o.deferred, jobID)
	for _, id := range ids {
		task, err := o.store.GetTask(ctx, id)
		if err != nil || task.Status != scheduler.TaskPaused || task.Held {
			continue
		}
		task.Status = scheduler.TaskPending
		if err := o.saveTask(ctx, task); err != nil {
			o.logger.Error("failed to release deferred task", "task_id", id, "error", err)
			continue
		}
		o.pool.Submit(task)
	}
}

func (o *Orchestrator) rejectLocked(ctx context.Context, job *scheduler.Job, task *scheduler.Task) {
	if !task.Status.Terminal() {
		now := o.now()
		task.Status = scheduler.TaskFailed
		task.EndTime = &now
		if err := o.saveTask(ctx, task); err != nil {
			o.logger.Error("failed to save rejected task", "task_id", task.ID, "error", err)
		}
		o.logTask(ctx, task, "rejected by operator", true)
	}
	if job != nil && !job.Status.Terminal() {
		// The prompt is already decided
		job.WaitingForPromptID = ""
		o.failJobLocked(ctx, job, fmt.Sprintf("task %s rejected by operator", task.ID))
	}
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
