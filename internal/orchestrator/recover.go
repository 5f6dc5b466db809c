package orchestrator

import (
	"context"
	"fmt"

	"github.com/aristath/trustgate/internal/scheduler"
)

// Recover rebuilds in-flight state from the store after a restart. Call it
// once, before the pool starts dispatching.
func (o *Orchestrator) Recover(ctx context.Context) error {
	if err := o.gate.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore prompts: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	tasks, err := o.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	byJob := make(map[string][]*scheduler.Task)
	var standalone []*scheduler.Task
	for _, task := range tasks {
		if task.Status == scheduler.TaskRunning {
			task.Status = scheduler.TaskPending
			task.StartTime = nil
			if err := o.saveTask(ctx, task); err != nil {
				return err
			}
			o.logTask(ctx, task, "interrupted by restart, returned to queue", false)
		}
		if task.JobID == "" {
			standalone = append(standalone, task)
		} else {
			byJob[task.JobID] = append(byJob[task.JobID], task)
		}
	}

	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	referenced := make(map[string]bool)
	resumed := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		resumed++
		if job.WaitingForPromptID != "" {
			referenced[job.WaitingForPromptID] = true
		}
		o.recoverJobLocked(ctx, job, byJob[job.ID])
	}

	for _, task := range standalone {
		switch {
		case task.Status == scheduler.TaskPending && !task.Held:
			o.pool.Submit(task)
		case task.Status == scheduler.TaskPaused && !task.Held:
			if p := o.promptForTask(task.ID); p != "" {
				referenced[p] = true
			} else {
				// The prompt was lost; ask again
				task.Status = scheduler.TaskPending
				if err := o.saveTask(ctx, task); err == nil {
					o.pool.Submit(task)
				}
			}
		}
	}

	for _, p := range o.gate.Pending() {
		if !referenced[p.ID] {
			o.gate.Discard(ctx, p.ID)
			o.logger.Warn("discarded orphaned prompt", "prompt_id", p.ID, "task_id", p.TaskID())
		}
	}

	o.logger.Info("recovered state", "jobs", resumed, "tasks", len(tasks), "prompts", len(o.gate.Pending()))
	return nil
}

func (o *Orchestrator) recoverJobLocked(ctx context.Context, job *scheduler.Job, tasks []*scheduler.Task) {
	switch {
	case job.Status == scheduler.JobSubmitted:
		o.startPlanning(job.ID, job.Goal)
		return

	case job.CancelRequested:
		// Nothing survives a restart as running
		o.stopTasksLocked(ctx, job.ID, "cancelled with job")
		job.Status = scheduler.JobCancelled
		job.WaitingForPromptID = ""
		if err := o.saveJob(ctx, job); err != nil {
			o.logger.Error("failed to save cancelled job", "job_id", job.ID, "error", err)
		}
		return
	}

	promptTask := ""
	if job.WaitingForPromptID != "" {
		if p, ok := o.gate.Get(job.WaitingForPromptID); ok {
			promptTask = p.TaskID()
		} else {
			o.logger.Warn("waiting job lost its prompt, asking again", "job_id", job.ID, "prompt_id", job.WaitingForPromptID)
			job.WaitingForPromptID = ""
			job.Status = scheduler.JobRunning
			if err := o.saveJob(ctx, job); err != nil {
				o.logger.Error("failed to save job", "job_id", job.ID, "error", err)
			}
		}
	}

	for _, task := range tasks {
		if task.Status != scheduler.TaskPaused || task.Held || task.ID == promptTask {
			continue
		}
		if promptTask != "" {
			o.deferred[job.ID] = appendUnique(o.deferred[job.ID], task.ID)
			continue
		}
		task.Status = scheduler.TaskPending
		if err := o.saveTask(ctx, task); err != nil {
			o.logger.Error("failed to requeue paused task", "task_id", task.ID, "error", err)
		}
	}
	o.dispatchReady(job, tasks)
}
