package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/executor"
	"github.com/aristath/trustgate/internal/persistence"
	"github.com/aristath/trustgate/internal/planner"
	"github.com/aristath/trustgate/internal/scheduler"
	"github.com/aristath/trustgate/internal/trust"
)

// fakeExecutor stands in for the system environment.
type fakeExecutor struct {
	fn func(ctx context.Context, task *scheduler.Task) (string, error)

	mu    sync.Mutex
	calls []string
}

func (f *fakeExecutor) Environment() scheduler.Environment { return scheduler.EnvSystem }
func (f *fakeExecutor) Cancellable(scheduler.Kind) bool    { return true }

func (f *fakeExecutor) Execute(ctx context.Context, task *scheduler.Task, r executor.Reporter) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.Param("command"))
	f.mu.Unlock()
	r.Progress(50)
	if f.fn != nil {
		return f.fn(ctx, task)
	}
	return "ran " + task.Param("command"), nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// staticPlanner returns plans keyed by goal.
type staticPlanner struct {
	plans map[string][]planner.PlannedTask
}

func (p *staticPlanner) Plan(_ context.Context, goal string) ([]planner.PlannedTask, error) {
	plan, ok := p.plans[goal]
	if !ok {
		return nil, errors.New("no plan for goal")
	}
	return plan, nil
}

func cmd(ref, command string, deps ...string) planner.PlannedTask {
	return planner.PlannedTask{
		Ref:       ref,
		Name:      ref,
		Kind:      scheduler.KindSystemCommand,
		Params:    map[string]string{"command": command},
		DependsOn: deps,
	}
}

type harness struct {
	orch  *Orchestrator
	store *persistence.SQLiteStore
	gate  *trust.Gate
	pool  *executor.Pool
	bus   *events.EventBus
	exec  *fakeExecutor
}

type harnessOpts struct {
	store      *persistence.SQLiteStore
	wrap       func(persistence.Store) persistence.Store // intercepts the orchestrator's writes
	plans      map[string][]planner.PlannedTask
	fn         func(ctx context.Context, task *scheduler.Task) (string, error)
	killPolicy string
	recover    bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	ctx := context.Background()

	store := opts.store
	if store == nil {
		var err error
		store, err = persistence.NewMemoryStore(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	var backing persistence.Store = store
	if opts.wrap != nil {
		backing = opts.wrap(store)
	}

	cfg := config.DefaultConfig()
	bus := events.NewEventBus(200)
	gate := trust.NewGate(backing, bus, 2, nil)
	exec := &fakeExecutor{fn: opts.fn}
	pool := executor.NewPool(executor.Config{
		Workers:     4,
		TaskTimeout: 2 * time.Second,
		KillPolicy:  opts.killPolicy,
		Retry: config.RetryConfig{
			BaseDelay:  config.D(time.Millisecond),
			MaxDelay:   config.D(5 * time.Millisecond),
			Multiplier: 2,
		},
		Breaker: config.BreakerConfig{MaxFailures: 100, OpenTimeout: config.D(time.Minute), HalfOpenRequests: 1},
	}, backing, bus, nil, exec)

	o := New(Options{
		Store:      backing,
		Gate:       gate,
		Policy:     trust.NewPolicy(cfg.Policy),
		Pool:       pool,
		Planner:    &staticPlanner{plans: opts.plans},
		Bus:        bus,
		MaxRetries: 0,
	})
	t.Cleanup(o.Close)

	if opts.recover {
		require.NoError(t, o.Recover(ctx))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = pool.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{orch: o, store: store, gate: gate, pool: pool, bus: bus, exec: exec}
}

func (h *harness) job(t *testing.T, id string) *JobView {
	t.Helper()
	view, err := h.orch.GetJob(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (h *harness) waitJob(t *testing.T, id string, status scheduler.JobStatus) *JobView {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.job(t, id).Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return h.job(t, id)
}

func (h *harness) submit(t *testing.T, goal string, sandbox scheduler.Sandbox) string {
	t.Helper()
	id, err := h.orch.SubmitGoal(context.Background(), GoalRequest{Goal: goal, Sandbox: sandbox})
	require.NoError(t, err)
	return id
}

// checkWaitingInvariant asserts that a job waits for user input exactly
// when it references a prompt that is pending.
func (h *harness) checkWaitingInvariant(t *testing.T) {
	t.Helper()
	jobs, err := h.orch.ListJobs(context.Background())
	require.NoError(t, err)
	for _, job := range jobs {
		waiting := job.Status == scheduler.JobWaitingForUser
		assert.Equal(t, waiting, job.WaitingForPromptID != "", "job %s status %s prompt %q", job.ID, job.Status, job.WaitingForPromptID)
		if job.WaitingForPromptID != "" {
			_, ok := h.gate.Get(job.WaitingForPromptID)
			assert.True(t, ok, "job %s references missing prompt %s", job.ID, job.WaitingForPromptID)
		}
	}
}

// hookStore runs a callback before task and job writes reach the store.
type hookStore struct {
	persistence.Store
	beforeSaveTask func(*scheduler.Task)
	beforeSaveJob  func(*scheduler.Job)
}

func (s *hookStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	if s.beforeSaveTask != nil {
		s.beforeSaveTask(task)
	}
	return s.Store.SaveTask(ctx, task)
}

func (s *hookStore) SaveJob(ctx context.Context, job *scheduler.Job) error {
	if s.beforeSaveJob != nil {
		s.beforeSaveJob(job)
	}
	return s.Store.SaveJob(ctx, job)
}

// blocker holds one write until released.
type blocker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	done    sync.Once
}

func newBlocker(t *testing.T) *blocker {
	b := &blocker{entered: make(chan struct{}), release: make(chan struct{})}
	t.Cleanup(b.open)
	return b
}

func (b *blocker) hold() {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
}

func (b *blocker) open() { b.done.Do(func() { close(b.release) }) }

func (b *blocker) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("write never reached the store")
	}
}

var (
	allowAll     = scheduler.Sandbox{AllowProcess: true, AllowNetwork: true, AllowUI: true, AllowApp: true}
	forbidAll    = scheduler.Sandbox{}
	errPermanent = executor.Permanent(errors.New("exit status 2"))
)

func TestSubmitGoal_RejectsEmptyGoal(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.orch.SubmitGoal(context.Background(), GoalRequest{Goal: "   "})
	require.ErrorIs(t, err, scheduler.ErrValidation)

	jobs, err := h.orch.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJob_CompletesInDependencyOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"build": {cmd("a", "make"), cmd("b", "make test", "a"), cmd("c", "make dist", "b")},
	}})

	id := h.submit(t, "build", allowAll)
	view := h.waitJob(t, id, scheduler.JobCompleted)

	assert.Equal(t, []string{"make", "make test", "make dist"}, h.exec.Calls())
	require.Len(t, view.Tasks, 3)
	for _, task := range view.Tasks {
		assert.Equal(t, scheduler.TaskCompleted, task.Status)
		assert.Equal(t, "ran "+task.Param("command"), view.Result[task.ID])
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{view.Tasks[0].Name, view.Tasks[1].Name, view.Tasks[2].Name})
	h.checkWaitingInvariant(t)
}

func TestJob_EmptyPlanCompletes(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{"nothing": {}}})

	id := h.submit(t, "nothing", allowAll)
	view := h.waitJob(t, id, scheduler.JobCompleted)
	assert.Empty(t, view.Tasks)
}

func TestJob_PlanningFailureFailsJob(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"cycle": {cmd("a", "x", "b"), cmd("b", "y", "a")},
	}})

	id := h.submit(t, "cycle", allowAll)
	view := h.waitJob(t, id, scheduler.JobFailed)
	assert.Contains(t, view.Error, "invalid plan")

	id = h.submit(t, "unknown goal", allowAll)
	view = h.waitJob(t, id, scheduler.JobFailed)
	assert.Contains(t, view.Error, "planning failed")
}

func TestGatedJob_RejectFailsJob(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"deploy": {cmd("a", "./deploy.sh")},
	}})

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)
	h.checkWaitingInvariant(t)

	prompt, ok := h.gate.Get(view.WaitingForPromptID)
	require.True(t, ok)
	assert.GreaterOrEqual(t, prompt.Level, trust.LevelMedium)
	assert.Equal(t, id, prompt.JobID())
	assert.Equal(t, view.Tasks[0].ID, prompt.TaskID())
	assert.Equal(t, scheduler.TaskPaused, view.Tasks[0].Status)

	job, err := h.orch.ResumeJob(context.Background(), prompt.ID, trust.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobFailed, job.Status)

	view = h.job(t, id)
	assert.Equal(t, scheduler.JobFailed, view.Status)
	assert.Empty(t, view.WaitingForPromptID)
	assert.Equal(t, scheduler.TaskFailed, view.Tasks[0].Status)
	assert.Contains(t, view.Tasks[0].Errors, "rejected by operator")
	assert.Empty(t, h.gate.Pending())
	assert.Empty(t, h.exec.Calls())
	h.checkWaitingInvariant(t)
}

func TestGatedJob_ApproveCompletesJob(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"deploy": {cmd("a", "./deploy.sh")},
	}})

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)

	job, err := h.orch.ResumeJob(context.Background(), view.WaitingForPromptID, trust.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobRunning, job.Status)

	view = h.waitJob(t, id, scheduler.JobCompleted)
	assert.True(t, view.Tasks[0].Approved)
	assert.Equal(t, []string{"./deploy.sh"}, h.exec.Calls())
	assert.Empty(t, h.gate.Pending())
	h.checkWaitingInvariant(t)
}

func TestGatedJob_DelayKeepsWaiting(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"deploy": {cmd("a", "./deploy.sh")},
	}})

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)
	promptID := view.WaitingForPromptID

	for i := 0; i < 2; i++ {
		job, err := h.orch.ResumeJob(context.Background(), promptID, trust.DecisionDelay)
		require.NoError(t, err)
		assert.Equal(t, scheduler.JobWaitingForUser, job.Status)
	}
	_, err := h.orch.ResumeJob(context.Background(), promptID, trust.DecisionDelay)
	require.ErrorIs(t, err, trust.ErrDelayLimit)

	view = h.job(t, id)
	assert.Equal(t, scheduler.JobWaitingForUser, view.Status)
	assert.Equal(t, promptID, view.WaitingForPromptID)
	h.checkWaitingInvariant(t)
}

func TestResumeJob_UnknownPrompt(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.orch.ResumeJob(context.Background(), "missing", trust.DecisionApprove)
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestGatedJob_OnePromptAtATime(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"two": {cmd("a", "first"), cmd("b", "second")},
	}})

	id := h.submit(t, "two", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)

	// Both tasks reach admission; the second waits behind the first prompt
	require.Eventually(t, func() bool {
		tasks := h.job(t, id).Tasks
		return tasks[0].Status == scheduler.TaskPaused && tasks[1].Status == scheduler.TaskPaused
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(t, h.gate.Pending(), 1)

	first := view.WaitingForPromptID
	_, err := h.orch.ResumeJob(context.Background(), first, trust.DecisionApprove)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v := h.job(t, id)
		return v.Status == scheduler.JobWaitingForUser && v.WaitingForPromptID != first
	}, 5*time.Second, 5*time.Millisecond)
	h.checkWaitingInvariant(t)
	require.Len(t, h.gate.Pending(), 1)

	_, err = h.orch.ResumeJob(context.Background(), h.job(t, id).WaitingForPromptID, trust.DecisionApprove)
	require.NoError(t, err)
	h.waitJob(t, id, scheduler.JobCompleted)
	assert.ElementsMatch(t, []string{"first", "second"}, h.exec.Calls())
}

func TestTwoJobs_PromptsAreIndependent(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"one": {cmd("a", "one")},
		"two": {cmd("a", "two")},
	}})

	one := h.submit(t, "one", forbidAll)
	two := h.submit(t, "two", forbidAll)
	viewOne := h.waitJob(t, one, scheduler.JobWaitingForUser)
	viewTwo := h.waitJob(t, two, scheduler.JobWaitingForUser)
	require.NotEqual(t, viewOne.WaitingForPromptID, viewTwo.WaitingForPromptID)

	_, err := h.orch.ResumeJob(context.Background(), viewOne.WaitingForPromptID, trust.DecisionReject)
	require.NoError(t, err)

	assert.Equal(t, scheduler.JobFailed, h.job(t, one).Status)
	after := h.job(t, two)
	assert.Equal(t, scheduler.JobWaitingForUser, after.Status)
	assert.Equal(t, viewTwo.WaitingForPromptID, after.WaitingForPromptID)
	_, ok := h.gate.Get(viewTwo.WaitingForPromptID)
	assert.True(t, ok)
	h.checkWaitingInvariant(t)
}

func TestCancelJob_WaitingIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"deploy": {cmd("a", "./deploy.sh"), cmd("b", "./verify.sh", "a")},
	}})

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)

	first, err := h.orch.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobCancelled, first.Status)
	assert.Empty(t, first.WaitingForPromptID)
	_, ok := h.gate.Get(view.WaitingForPromptID)
	assert.False(t, ok)

	sub := h.bus.Subscribe(events.TopicOrch, 16)
	defer sub.Unsubscribe()

	second, err := h.orch.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	select {
	case ev := <-sub.C:
		t.Fatalf("second cancel published %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	for _, task := range h.job(t, id).Tasks {
		assert.Equal(t, scheduler.TaskCancelled, task.Status)
	}
	assert.Empty(t, h.exec.Calls())
	h.checkWaitingInvariant(t)
}

func TestCancelJob_StopsRunningTask(t *testing.T) {
	started := make(chan struct{}, 1)
	h := newHarness(t, harnessOpts{
		plans: map[string][]planner.PlannedTask{"long": {cmd("a", "sleep 60"), cmd("b", "echo done", "a")}},
		fn: func(ctx context.Context, task *scheduler.Task) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	id := h.submit(t, "long", allowAll)
	<-started

	job, err := h.orch.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)

	view := h.waitJob(t, id, scheduler.JobCancelled)
	for _, task := range view.Tasks {
		assert.Equal(t, scheduler.TaskCancelled, task.Status, task.Name)
		assert.Zero(t, task.RetryCount)
	}
	assert.Len(t, h.exec.Calls(), 1)
}

func TestCancelJob_Submitted(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	// Written directly so planning never starts
	job := &scheduler.Job{ID: "job-1", Goal: "x", Status: scheduler.JobSubmitted, TaskIDs: []string{}, CreatedAt: time.Now()}
	require.NoError(t, h.store.SaveJob(ctx, job))

	cancelled, err := h.orch.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, scheduler.JobCancelled, cancelled.Status)

	_, err = h.orch.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestJob_FailFast(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, harnessOpts{
		plans: map[string][]planner.PlannedTask{"mixed": {cmd("slow", "slow"), cmd("bad", "bad"), cmd("after", "after", "bad")}},
		fn: func(ctx context.Context, task *scheduler.Task) (string, error) {
			if task.Param("command") == "bad" {
				return "", errPermanent
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-release:
				return "ok", nil
			}
		},
	})
	defer close(release)

	id := h.submit(t, "mixed", allowAll)
	view := h.waitJob(t, id, scheduler.JobFailed)
	assert.Contains(t, view.Error, "exit status 2")

	require.Eventually(t, func() bool {
		for _, task := range h.job(t, id).Tasks {
			if !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	statuses := map[string]scheduler.TaskStatus{}
	for _, task := range h.job(t, id).Tasks {
		statuses[task.Name] = task.Status
	}
	assert.Equal(t, scheduler.TaskFailed, statuses["bad"])
	assert.Equal(t, scheduler.TaskCancelled, statuses["slow"])
	assert.Equal(t, scheduler.TaskCancelled, statuses["after"])
	assert.NotContains(t, h.exec.Calls(), "after")
}

func TestKillSwitch_HoldsQueuedWork(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"batch": {cmd("a", "a"), cmd("b", "b"), cmd("c", "c")},
	}})

	h.orch.SetPaused(true)
	require.True(t, h.orch.IsPaused())

	id := h.submit(t, "batch", allowAll)
	h.waitJob(t, id, scheduler.JobRunning)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, h.exec.Calls())
	for _, task := range h.job(t, id).Tasks {
		assert.Equal(t, scheduler.TaskPending, task.Status)
	}

	h.orch.SetPaused(false)
	h.waitJob(t, id, scheduler.JobCompleted)
	assert.Len(t, h.exec.Calls(), 3)
}

func TestKillSwitch_DecisionsAcceptedWhilePaused(t *testing.T) {
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{
		"deploy": {cmd("a", "./deploy.sh")},
	}})

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)

	h.orch.SetPaused(true)
	_, err := h.orch.ResumeJob(context.Background(), view.WaitingForPromptID, trust.DecisionApprove)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.exec.Calls())
	assert.Equal(t, scheduler.JobRunning, h.job(t, id).Status)

	h.orch.SetPaused(false)
	h.waitJob(t, id, scheduler.JobCompleted)
}

func TestStandaloneTask_GatedAndApproved(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	task, err := h.orch.SubmitTask(ctx, TaskRequest{
		Kind:   "system-command",
		Params: map[string]string{"command": "ls"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run `ls`", task.Name)

	require.Eventually(t, func() bool { return len(h.gate.Pending()) == 1 }, 5*time.Second, 5*time.Millisecond)
	prompt := h.gate.Pending()[0]
	assert.Equal(t, task.ID, prompt.TaskID())
	assert.Empty(t, prompt.JobID())

	job, err := h.orch.ResumeJob(ctx, prompt.ID, trust.DecisionApprove)
	require.NoError(t, err)
	assert.Nil(t, job)

	require.Eventually(t, func() bool {
		got, err := h.orch.GetTask(ctx, task.ID)
		return err == nil && got.Status == scheduler.TaskCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubmitTask_Validation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.orch.SubmitTask(ctx, TaskRequest{Kind: "teleport"})
	require.ErrorIs(t, err, scheduler.ErrValidation)

	_, err = h.orch.SubmitTask(ctx, TaskRequest{Kind: scheduler.KindSystemCommand})
	require.ErrorIs(t, err, scheduler.ErrValidation)

	negative := -1
	_, err = h.orch.SubmitTask(ctx, TaskRequest{
		Kind:       scheduler.KindSystemCommand,
		Params:     map[string]string{"command": "ls"},
		MaxRetries: &negative,
	})
	require.ErrorIs(t, err, scheduler.ErrValidation)
}

func TestTaskControls_PauseResumeCancel(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	h.orch.SetPaused(true)

	task, err := h.orch.SubmitTask(ctx, TaskRequest{
		Kind:    scheduler.KindSystemCommand,
		Params:  map[string]string{"command": "ls"},
		Sandbox: allowAll,
	})
	require.NoError(t, err)

	paused, err := h.orch.PauseTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskPaused, paused.Status)
	assert.True(t, paused.Held)

	_, err = h.orch.PauseTask(ctx, task.ID)
	require.ErrorIs(t, err, scheduler.ErrInvalidState)

	h.orch.SetPaused(false)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.exec.Calls())

	resumed, err := h.orch.ResumeTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Held)
	require.Eventually(t, func() bool {
		got, _ := h.orch.GetTask(ctx, task.ID)
		return got.Status == scheduler.TaskCompleted
	}, 5*time.Second, 5*time.Millisecond)

	_, err = h.orch.ResumeTask(ctx, task.ID)
	require.ErrorIs(t, err, scheduler.ErrInvalidState)

	h.orch.SetPaused(true)
	other, err := h.orch.SubmitTask(ctx, TaskRequest{
		Kind:    scheduler.KindSystemCommand,
		Params:  map[string]string{"command": "pwd"},
		Sandbox: allowAll,
	})
	require.NoError(t, err)
	cancelled, err := h.orch.CancelTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskCancelled, cancelled.Status)

	_, err = h.orch.CancelTask(ctx, "missing")
	require.ErrorIs(t, err, scheduler.ErrNotFound)
}

func TestStatistics(t *testing.T) {
	h := newHarness(t, harnessOpts{
		plans: map[string][]planner.PlannedTask{
			"ok":  {cmd("a", "a"), cmd("b", "b")},
			"bad": {cmd("a", "bad")},
		},
		fn: func(ctx context.Context, task *scheduler.Task) (string, error) {
			if task.Param("command") == "bad" {
				return "", errPermanent
			}
			return "ok", nil
		},
	})

	ok := h.submit(t, "ok", allowAll)
	bad := h.submit(t, "bad", allowAll)
	h.waitJob(t, ok, scheduler.JobCompleted)
	h.waitJob(t, bad, scheduler.JobFailed)

	stats, err := h.orch.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[scheduler.TaskCompleted])
	assert.Equal(t, 1, stats.ByStatus[scheduler.TaskFailed])
	assert.Equal(t, 3, stats.ByKind[scheduler.KindSystemCommand])
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 1, stats.Jobs[scheduler.JobCompleted])
	assert.Equal(t, 1, stats.Jobs[scheduler.JobFailed])
	assert.False(t, stats.Paused)
}

func TestJob_NegativeStepRetriesRejected(t *testing.T) {
	step := cmd("a", "a")
	negative := -1
	step.MaxRetries = &negative
	h := newHarness(t, harnessOpts{plans: map[string][]planner.PlannedTask{"bad": {step}}})

	id := h.submit(t, "bad", allowAll)
	view := h.waitJob(t, id, scheduler.JobFailed)
	assert.Contains(t, view.Error, "invalid plan")
	assert.Contains(t, view.Error, "maxRetries")
	assert.Empty(t, view.Tasks)
	assert.Empty(t, h.exec.Calls())
}

func TestCancelJob_WhileRetryIsRecorded(t *testing.T) {
	step := cmd("a", "flaky")
	retries := 2
	step.MaxRetries = &retries
	b := newBlocker(t)
	h := newHarness(t, harnessOpts{
		plans: map[string][]planner.PlannedTask{"flaky": {step}},
		fn: func(ctx context.Context, task *scheduler.Task) (string, error) {
			return "", errors.New("connection reset")
		},
		wrap: func(s persistence.Store) persistence.Store {
			return &hookStore{Store: s, beforeSaveTask: func(task *scheduler.Task) {
				if task.RetryCount == 1 && task.Status == scheduler.TaskPending {
					b.hold()
				}
			}}
		},
	})

	id := h.submit(t, "flaky", allowAll)
	b.wait(t)

	job, err := h.orch.CancelJob(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
	b.open()

	view := h.waitJob(t, id, scheduler.JobCancelled)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, scheduler.TaskCancelled, view.Tasks[0].Status)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.exec.Calls(), 1)
	assert.Equal(t, scheduler.TaskCancelled, h.job(t, id).Tasks[0].Status)
}

func TestGetJob_NotServedMidDecision(t *testing.T) {
	var armed atomic.Bool
	b := newBlocker(t)
	h := newHarness(t, harnessOpts{
		plans: map[string][]planner.PlannedTask{"deploy": {cmd("a", "./deploy.sh")}},
		wrap: func(s persistence.Store) persistence.Store {
			return &hookStore{Store: s, beforeSaveJob: func(job *scheduler.Job) {
				if armed.Load() {
					b.hold()
				}
			}}
		},
	})
	ctx := context.Background()

	id := h.submit(t, "deploy", forbidAll)
	view := h.waitJob(t, id, scheduler.JobWaitingForUser)
	armed.Store(true)

	resumed := make(chan error, 1)
	go func() {
		_, err := h.orch.ResumeJob(ctx, view.WaitingForPromptID, trust.DecisionApprove)
		resumed <- err
	}()
	b.wait(t)

	read := make(chan *JobView, 1)
	go func() {
		got, err := h.orch.GetJob(ctx, id)
		if err != nil {
			got = nil
		}
		read <- got
	}()
	select {
	case <-read:
		t.Fatal("job read while a decision was being saved")
	case <-time.After(50 * time.Millisecond):
	}

	b.open()
	require.NoError(t, <-resumed)
	got := <-read
	require.NotNil(t, got)
	assert.NotEqual(t, scheduler.JobWaitingForUser, got.Status)
	assert.Empty(t, got.WaitingForPromptID)
	h.checkWaitingInvariant(t)
}

func TestAdmit_CancelsTaskOfCancellingJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	job := &scheduler.Job{ID: "job-1", Goal: "x", Status: scheduler.JobRunning, CancelRequested: true,
		TaskIDs: []string{"t1"}, CreatedAt: time.Now()}
	task := &scheduler.Task{ID: "t1", JobID: "job-1", Name: "t1", Kind: scheduler.KindSystemCommand,
		Environment: scheduler.EnvSystem, Params: map[string]string{"command": "true"},
		Status: scheduler.TaskPending, CreatedAt: time.Now()}
	require.NoError(t, h.store.SaveJob(ctx, job))
	require.NoError(t, h.store.SaveTask(ctx, task))

	admission, err := h.orch.Admit(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, executor.AdmitDrop, admission)

	view := h.job(t, "job-1")
	assert.Equal(t, scheduler.JobCancelled, view.Status)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, scheduler.TaskCancelled, view.Tasks[0].Status)
	assert.Empty(t, h.exec.Calls())
}
