package orchestrator

import (
	"context"

	"github.com/aristath/trustgate/internal/scheduler"
)

// Statistics summarizes the task records and the live pool.
type Statistics struct {
	Total          int                          `json:"total"`
	ByStatus       map[scheduler.TaskStatus]int `json:"byStatus"`
	ByKind         map[scheduler.Kind]int       `json:"byKind"`
	Retries        int                          `json:"retries"`
	SuccessRate    float64                      `json:"successRate"` // completed / finished, 0 when nothing finished
	QueueDepth     int                          `json:"queueDepth"`
	Running        int                          `json:"running"`
	Paused         bool                         `json:"paused"`
	Jobs           map[scheduler.JobStatus]int  `json:"jobs"`
	PendingPrompts int                          `json:"pendingPrompts"`
}

// Statistics computes the current totals.
func (o *Orchestrator) Statistics(ctx context.Context) (Statistics, error) {
	tasks, err := o.store.ListTasks(ctx)
	if err != nil {
		return Statistics{}, err
	}
	jobs, err := o.store.ListJobs(ctx)
	if err != nil {
		return Statistics{}, err
	}

	s := Statistics{
		Total:          len(tasks),
		ByStatus:       make(map[scheduler.TaskStatus]int),
		ByKind:         make(map[scheduler.Kind]int),
		Jobs:           make(map[scheduler.JobStatus]int),
		QueueDepth:     o.pool.QueueDepth(),
		Running:        o.pool.Running(),
		Paused:         o.gate.IsPaused(),
		PendingPrompts: len(o.gate.Pending()),
	}
	finished := 0
	for _, t := range tasks {
		s.ByStatus[t.Status]++
		s.ByKind[t.Kind]++
		s.Retries += t.RetryCount
		if t.Status.Terminal() {
			finished++
		}
	}
	if finished > 0 {
		s.SuccessRate = float64(s.ByStatus[scheduler.TaskCompleted]) / float64(finished)
	}
	for _, j := range jobs {
		s.Jobs[j.Status]++
	}
	return s, nil
}
