// Package executor runs tasks against their execution environments with
// bounded concurrency, timeouts, retries and cooperative cancellation.
package executor

import (
	"context"

	"github.com/aristath/trustgate/internal/scheduler"
)

// Reporter receives runtime updates from a running executor.
type Reporter interface {
	// Progress records a completion percentage. Values are clamped to 0..100
	// and a value lower than the current progress is ignored.
	Progress(pct int)

	// Log appends one line to the task log.
	Log(line string)
}

// Executor runs the tasks of one environment.
//
// Execute must honor ctx for every kind it reports as cancellable. Executors
// that cannot stop early say so through Cancellable; the pool lets those runs
// finish and never restarts them after a cancellation.
type Executor interface {
	Environment() scheduler.Environment
	Cancellable(kind scheduler.Kind) bool
	Execute(ctx context.Context, task *scheduler.Task, r Reporter) (string, error)
}

// Admission is the decision an Admitter makes for a dequeued task.
type Admission int

const (
	// AdmitRun executes the task now.
	AdmitRun Admission = iota
	// AdmitPark leaves the task with the admitter (behind a trust prompt).
	AdmitPark
	// AdmitDrop discards the task; it is no longer runnable.
	AdmitDrop
)

func (a Admission) String() string {
	switch a {
	case AdmitRun:
		return "run"
	case AdmitPark:
		return "park"
	default:
		return "drop"
	}
}

// Admitter is consulted before every execution attempt.
type Admitter interface {
	Admit(ctx context.Context, task *scheduler.Task) (Admission, error)
}

// Listener is told when the pool gives up ownership of a task: it completed,
// failed or was cancelled.
type Listener interface {
	TaskFinished(task *scheduler.Task)
}

// PauseSource exposes the kill switch to the pool.
type PauseSource interface {
	IsPaused() bool
}

// TaskStore is the part of the record store the pool writes to.
type TaskStore interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
	AppendTaskLog(ctx context.Context, taskID, line string, isError bool) error
}

type admitAll struct{}

func (admitAll) Admit(context.Context, *scheduler.Task) (Admission, error) { return AdmitRun, nil }

type neverPaused struct{}

func (neverPaused) IsPaused() bool { return false }
