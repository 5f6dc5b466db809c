package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleTask(id, jobID string) *scheduler.Task {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	return &scheduler.Task{
		ID:          id,
		JobID:       jobID,
		Name:        "list files",
		Description: "ls in tmp",
		Kind:        scheduler.KindSystemCommand,
		Environment: scheduler.EnvSystem,
		Params:      map[string]string{"command": "ls /tmp"},
		Priority:    3,
		Resources:   []string{"fs:/tmp"},
		Status:      scheduler.TaskPending,
		MaxRetries:  2,
		Sandbox:     scheduler.Sandbox{AllowProcess: true},
		CreatedAt:   now,
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := sampleTask("task-1", "job-1")
	task.DependsOn = []string{"task-0"}
	start := task.CreatedAt.Add(time.Second)
	task.StartTime = &start

	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}

	if got.Name != task.Name || got.Kind != task.Kind || got.Environment != task.Environment {
		t.Errorf("basic fields mismatch: %+v", got)
	}
	if got.Param("command") != "ls /tmp" {
		t.Errorf("params = %v", got.Params)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "task-0" {
		t.Errorf("depends_on = %v", got.DependsOn)
	}
	if !got.Sandbox.AllowProcess || got.Sandbox.AllowNetwork {
		t.Errorf("sandbox = %+v", got.Sandbox)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("start_time = %v, want %v", got.StartTime, start)
	}
	if got.EndTime != nil {
		t.Errorf("end_time should be nil, got %v", got.EndTime)
	}
	if got.Logs == nil || got.Errors == nil {
		t.Error("logs and errors should be empty slices, not nil")
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := sampleTask("task-1", "")
	for i := 0; i < 3; i++ {
		task.Progress = i * 10
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask #%d failed: %v", i, err)
		}
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Progress != 20 {
		t.Errorf("progress = %d, want 20", tasks[0].Progress)
	}
}

// The schema refuses retry counts above the limit.
func TestRetryCountConstraint(t *testing.T) {
	store := testStore(t)
	task := sampleTask("task-1", "")
	task.RetryCount = 3

	if err := store.SaveTask(context.Background(), task); err == nil {
		t.Fatal("expected constraint violation for retry_count > max_retries")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, scheduler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTaskLog(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveTask(ctx, sampleTask("task-1", "job-1")); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	if err := store.SaveTask(ctx, sampleTask("task-2", "job-2")); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	lines := []struct {
		task  string
		line  string
		isErr bool
	}{
		{"task-1", "attempt 1", false},
		{"task-2", "other", false},
		{"task-1", "timeout", true},
		{"task-1", "retry 1/2 in 500ms", false},
	}
	for _, l := range lines {
		if err := store.AppendTaskLog(ctx, l.task, l.line, l.isErr); err != nil {
			t.Fatalf("AppendTaskLog failed: %v", err)
		}
	}

	// Saving the task again must not touch its logs
	if err := store.SaveTask(ctx, sampleTask("task-1", "job-1")); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if len(got.Logs) != 2 || got.Logs[0] != "attempt 1" || got.Logs[1] != "retry 1/2 in 500ms" {
		t.Errorf("logs = %v", got.Logs)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "timeout" {
		t.Errorf("errors = %v", got.Errors)
	}

	jobTasks, err := store.ListJobTasks(ctx, "job-2")
	if err != nil {
		t.Fatalf("ListJobTasks failed: %v", err)
	}
	if len(jobTasks) != 1 || len(jobTasks[0].Logs) != 1 || jobTasks[0].Logs[0] != "other" {
		t.Errorf("job-2 tasks = %+v", jobTasks)
	}
}

func TestJobsOrderedByPriorityThenCreation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	jobs := []*scheduler.Job{
		{ID: "old-low", Goal: "a", Priority: 1, CreatedAt: base},
		{ID: "new-high", Goal: "b", Priority: 5, CreatedAt: base.Add(2 * time.Second)},
		{ID: "old-high", Goal: "c", Priority: 5, CreatedAt: base.Add(time.Second)},
	}
	for _, j := range jobs {
		j.Status = scheduler.JobSubmitted
		j.UpdatedAt = j.CreatedAt
		if err := store.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob failed: %v", err)
		}
	}

	got, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	want := []string{"old-high", "new-high", "old-low"}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSaveAndGetJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &scheduler.Job{
		ID:                 "job-1",
		Goal:               "run ls",
		Priority:           2,
		Simulate:           true,
		Sandbox:            scheduler.Sandbox{AllowUI: true},
		Status:             scheduler.JobWaitingForUser,
		WaitingForPromptID: "prompt-1",
		TaskIDs:            []string{"t1", "t2"},
		Result:             map[string]string{"t1": "ok"},
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := store.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != scheduler.JobWaitingForUser || got.WaitingForPromptID != "prompt-1" {
		t.Errorf("status fields = %s / %q", got.Status, got.WaitingForPromptID)
	}
	if !got.Simulate || !got.Sandbox.AllowUI {
		t.Errorf("flags = %+v / %+v", got.Simulate, got.Sandbox)
	}
	if len(got.TaskIDs) != 2 || got.Result["t1"] != "ok" {
		t.Errorf("task ids / result = %v / %v", got.TaskIDs, got.Result)
	}

	if _, err := store.GetJob(ctx, "nope"); !errors.Is(err, scheduler.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPromptsRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	p := trust.PendingPrompt{
		Prompt: trust.Prompt{
			ID:        "p-1",
			Level:     3,
			Title:     "delete file",
			Rationale: "high risk",
			Options:   []trust.Decision{trust.DecisionApprove, trust.DecisionReject},
			CreatedAt: time.Now().UTC(),
			Meta:      map[string]string{trust.MetaJobID: "job-1"},
		},
		Order: 7,
	}
	if err := store.SavePrompt(ctx, p); err != nil {
		t.Fatalf("SavePrompt failed: %v", err)
	}
	p.Delays, p.Order = 1, 9
	if err := store.SavePrompt(ctx, p); err != nil {
		t.Fatalf("SavePrompt update failed: %v", err)
	}

	got, err := store.ListPrompts(ctx)
	if err != nil {
		t.Fatalf("ListPrompts failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(got))
	}
	if got[0].Delays != 1 || got[0].Order != 9 || got[0].Prompt.JobID() != "job-1" || len(got[0].Prompt.Options) != 2 {
		t.Errorf("prompt = %+v", got[0])
	}

	if err := store.DeletePrompt(ctx, "p-1"); err != nil {
		t.Fatalf("DeletePrompt failed: %v", err)
	}
	if err := store.DeletePrompt(ctx, "p-1"); err != nil {
		t.Fatalf("second DeletePrompt failed: %v", err)
	}
	got, _ = store.ListPrompts(ctx)
	if len(got) != 0 {
		t.Errorf("expected no prompts, got %d", len(got))
	}
}

// A file-backed store keeps state across reopen.
func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "trustgate.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveTask(ctx, sampleTask("task-1", "")); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	store.Close()

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetTask(ctx, "task-1"); err != nil {
		t.Fatalf("task lost across reopen: %v", err)
	}
}

// Separate memory stores do not share rows.
func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveTask(ctx, sampleTask("task-1", "")); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
	tasks, err := b.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("store b sees %d tasks from store a", len(tasks))
	}
}
