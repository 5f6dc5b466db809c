package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/scheduler"
)

// Config configures the pool.
type Config struct {
	Workers     int
	TaskTimeout time.Duration // Hard limit per attempt
	KillPolicy  string        // config.KillPolicyFinish or config.KillPolicyCancel
	Retry       config.RetryConfig
	Breaker     config.BreakerConfig
}

// ConfigFrom extracts the pool settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Workers:     cfg.Pool.Workers,
		TaskTimeout: cfg.Pool.TaskTimeout.Duration,
		KillPolicy:  cfg.Pool.KillPolicy,
		Retry:       cfg.Retry,
		Breaker:     cfg.Breaker,
	}
}

// CancelOutcome tells the caller who owns a task after Cancel.
type CancelOutcome int

const (
	// NotOwned means the pool did not hold the task.
	NotOwned CancelOutcome = iota
	// Dequeued means the task was waiting in the pool and has been dropped.
	// The caller owns it again and records the cancellation.
	Dequeued
	// Stopping means the task is running; the pool records the outcome and
	// notifies the Listener when the executor returns.
	Stopping
)

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopKillSwitch
)

type run struct {
	cancel      context.CancelFunc
	cancellable bool
	reason      stopReason
}

// Pool executes tasks with bounded concurrency.
//
// Queued tasks are dequeued by priority then arrival, never while the kill
// switch is engaged. The pool is the only writer of a task's runtime fields
// from dequeue until it hands the task back through the Listener.
type Pool struct {
	cfg       Config
	store     TaskStore
	bus       *events.EventBus
	logger    *slog.Logger
	breakers  *BreakerRegistry
	locks     *scheduler.ResourceLockManager
	sem       *semaphore.Weighted
	executors map[scheduler.Environment]Executor

	mu        sync.Mutex
	queue     *scheduler.Queue
	running   map[string]*run
	retrying  map[string]*time.Timer
	admitting map[string]bool               // value is true once a Cancel arrived mid-admission
	locking   map[string]context.CancelFunc // admitted, waiting for resource locks
	admitter  Admitter
	listener  Listener
	pause     PauseSource
	closed    bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewPool creates a pool. bus may be nil.
func NewPool(cfg Config, store TaskStore, bus *events.EventBus, logger *slog.Logger, executors ...Executor) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	if cfg.KillPolicy == "" {
		cfg.KillPolicy = config.KillPolicyFinish
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		logger:    logger,
		breakers:  NewBreakerRegistry(cfg.Breaker, logger),
		locks:     scheduler.NewResourceLockManager(),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		executors: make(map[scheduler.Environment]Executor),
		queue:     scheduler.NewQueue(),
		running:   make(map[string]*run),
		retrying:  make(map[string]*time.Timer),
		admitting: make(map[string]bool),
		locking:   make(map[string]context.CancelFunc),
		admitter:  admitAll{},
		pause:     neverPaused{},
		wake:      make(chan struct{}, 1),
	}
	for _, e := range executors {
		p.executors[e.Environment()] = e
	}
	return p
}

// SetAdmitter installs the admission hook. Call before Run.
func (p *Pool) SetAdmitter(a Admitter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admitter = a
}

// SetListener installs the completion hook. Call before Run.
func (p *Pool) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// SetPauseSource connects the kill switch. Call before Run.
func (p *Pool) SetPauseSource(s PauseSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pause = s
}

// Submit enqueues a task. It returns false when the task is already queued,
// running, being admitted or waiting for a retry.
func (p *Pool) Submit(task *scheduler.Task) bool {
	p.mu.Lock()
	if p.closed || p.knownLocked(task.ID) {
		p.mu.Unlock()
		return false
	}
	p.queue.Push(task.Clone())
	p.mu.Unlock()

	p.signal()
	return true
}

func (p *Pool) knownLocked(id string) bool {
	if p.queue.Contains(id) {
		return true
	}
	if _, ok := p.running[id]; ok {
		return true
	}
	if _, ok := p.retrying[id]; ok {
		return true
	}
	if _, ok := p.locking[id]; ok {
		return true
	}
	_, ok := p.admitting[id]
	return ok
}

// Cancel stops a task wherever the pool holds it. A task whose attempt has
// returned but whose outcome is still being recorded counts as Stopping.
func (p *Pool) Cancel(taskID string) CancelOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.withdrawLocked(taskID) {
		return Dequeued
	}
	if r, ok := p.running[taskID]; ok {
		r.reason = stopCancelled
		r.cancel()
		return Stopping
	}
	return NotOwned
}

// Withdraw takes a task that has not started out of the pool. Running
// tasks are left alone and Withdraw reports false for them.
func (p *Pool) Withdraw(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withdrawLocked(taskID)
}

// IsRunning reports whether the task is executing now.
func (p *Pool) IsRunning(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[taskID]
	return ok
}

func (p *Pool) withdrawLocked(taskID string) bool {
	if p.queue.Remove(taskID) != nil {
		return true
	}
	if timer, ok := p.retrying[taskID]; ok {
		timer.Stop()
		delete(p.retrying, taskID)
		return true
	}
	if _, ok := p.admitting[taskID]; ok {
		p.admitting[taskID] = true
		return true
	}
	if cancel, ok := p.locking[taskID]; ok {
		cancel()
		delete(p.locking, taskID)
		return true
	}
	return false
}

// OnPauseChange reacts to the kill switch. With the "cancel" kill policy,
// engaging it asks every cancellable running task to stop; those tasks go
// back to pending without using a retry. Releasing it resumes dequeuing.
func (p *Pool) OnPauseChange(paused bool) {
	if paused && p.cfg.KillPolicy == config.KillPolicyCancel {
		p.mu.Lock()
		for id, r := range p.running {
			if r.cancellable && r.reason == stopNone {
				r.reason = stopKillSwitch
				r.cancel()
				p.logger.Info("kill switch cancelling task", "task_id", id)
			}
		}
		p.mu.Unlock()
	}
	p.signal()
}

// QueueDepth returns the number of tasks waiting to run, including those
// waiting out a retry delay.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len() + len(p.retrying) + len(p.locking)
}

// Running returns the number of tasks executing now.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// BreakerState reports the circuit breaker state of an environment.
func (p *Pool) BreakerState(env scheduler.Environment) string {
	return p.breakers.State(env).String()
}

// Run dispatches queued tasks until ctx is cancelled, then waits for the
// in-flight attempts to return. Interrupted tasks are saved as pending.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("executor pool started", "workers", p.cfg.Workers, "kill_policy", p.cfg.KillPolicy)
	defer p.logger.Info("executor pool stopped")

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		task := p.next(ctx)
		if task == nil {
			p.sem.Release(1)
			break
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.process(ctx, task)
		}()
	}

	p.mu.Lock()
	p.closed = true
	for id, timer := range p.retrying {
		timer.Stop()
		delete(p.retrying, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// next blocks until a task can start or ctx is done.
func (p *Pool) next(ctx context.Context) *scheduler.Task {
	for {
		p.mu.Lock()
		if !p.pause.IsPaused() && p.queue.Len() > 0 {
			task := p.queue.Pop()
			p.admitting[task.ID] = false
			p.mu.Unlock()
			return task
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) process(ctx context.Context, task *scheduler.Task) {
	p.mu.Lock()
	admitter := p.admitter
	p.mu.Unlock()

	admission, err := admitter.Admit(ctx, task.Clone())
	if err != nil {
		p.mu.Lock()
		delete(p.admitting, task.ID)
		p.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("task admission failed", "task_id", task.ID, "error", err)
		p.fail(task, fmt.Errorf("admission failed: %w", err))
		return
	}

	p.mu.Lock()
	cancelled := p.admitting[task.ID]
	delete(p.admitting, task.ID)
	if admission != AdmitRun || cancelled {
		p.mu.Unlock()
		p.logger.Debug("task not started", "task_id", task.ID, "admission", admission.String(), "cancelled", cancelled)
		return
	}
	// The switch may have flipped while the admitter ran
	if p.pause.IsPaused() {
		p.queue.Push(task)
		p.mu.Unlock()
		p.logger.Info("kill switch engaged, task returned to queue", "task_id", task.ID)
		return
	}
	lockCtx, stopWaiting := context.WithCancel(ctx)
	p.locking[task.ID] = stopWaiting
	p.mu.Unlock()

	// Resource locks are taken before the task counts as started, so the
	// wait neither spends the attempt timeout nor outlives the kill switch.
	lockErr := p.locks.LockAllContext(lockCtx, task.Resources)
	stopWaiting()

	p.mu.Lock()
	_, owned := p.locking[task.ID]
	delete(p.locking, task.ID)
	switch {
	case lockErr != nil || !owned:
		p.mu.Unlock()
		if lockErr == nil {
			p.locks.UnlockAll(task.Resources)
		}
		p.logger.Debug("task not started", "task_id", task.ID, "withdrawn", !owned)
		return
	case p.pause.IsPaused():
		p.queue.Push(task)
		p.mu.Unlock()
		p.locks.UnlockAll(task.Resources)
		p.logger.Info("kill switch engaged, task returned to queue", "task_id", task.ID)
		p.signal()
		return
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	r := &run{cancel: cancel, cancellable: p.cancellable(task)}
	p.running[task.ID] = r
	p.mu.Unlock()
	defer cancel()

	now := time.Now().UTC()
	task.Status = scheduler.TaskRunning
	task.StartTime = &now
	task.EndTime = nil
	p.save(task)
	p.publishTask(task)
	p.logger.Info("task started", "task_id", task.ID, "job_id", task.JobID, "kind", task.Kind,
		"attempt", task.RetryCount+1, "simulate", task.Simulate)

	rep := &taskReporter{pool: p, task: task}

	result, execErr := p.attempt(attemptCtx, task, rep)
	p.locks.UnlockAll(task.Resources)

	if execErr != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !IsPermanent(execErr) {
		execErr = fmt.Errorf("timed out after %s: %w", p.cfg.TaskTimeout, execErr)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	p.settle(ctx, task, r, result, execErr)
}

func (p *Pool) cancellable(task *scheduler.Task) bool {
	if task.Simulate {
		return true
	}
	if e, ok := p.executors[task.Environment]; ok {
		return e.Cancellable(task.Kind)
	}
	return true
}

// attempt runs one execution, or describes it for simulated tasks.
func (p *Pool) attempt(ctx context.Context, task *scheduler.Task, rep *taskReporter) (string, error) {
	if task.Simulate {
		rep.Log("simulated: would " + task.Summary())
		rep.Progress(100)
		return "simulated: " + task.Summary(), nil
	}

	exec, ok := p.executors[task.Environment]
	if !ok {
		return "", Permanent(fmt.Errorf("no executor for environment %q", task.Environment))
	}

	out, err := p.breakers.Get(task.Environment).Execute(func() (interface{}, error) {
		return exec.Execute(ctx, task.Clone(), rep)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%s environment unavailable: %w", task.Environment, err)
		}
		return "", err
	}
	return out.(string), nil
}

// settle records the outcome of an attempt. The caller holds the reporter
// lock. The task stays in the running set until its outcome is saved, so a
// Cancel arriving meanwhile is answered with Stopping and honoured here.
func (p *Pool) settle(ctx context.Context, task *scheduler.Task, r *run, result string, err error) {
	now := time.Now().UTC()
	p.mu.Lock()
	reason := r.reason
	p.mu.Unlock()

	switch {
	case err == nil:
		task.Status = scheduler.TaskCompleted
		task.Progress = 100
		task.Result = result
		task.EndTime = &now
		p.save(task)
		p.release(task.ID)
		p.publishTask(task)
		p.logger.Info("task completed", "task_id", task.ID, "job_id", task.JobID)
		p.notify(task)

	case reason == stopCancelled:
		p.cancelled(task)

	case reason == stopKillSwitch:
		task.Status = scheduler.TaskPending
		task.StartTime = nil
		p.appendLog(task, "interrupted by kill switch, returned to queue", false)
		p.save(task)
		p.publishTask(task)
		if !p.handOver(task, func() {
			if !p.closed {
				p.queue.Push(task)
			}
		}) {
			return
		}
		p.signal()

	case ctx.Err() != nil:
		// Shutdown; the task resumes from pending after a restart
		task.Status = scheduler.TaskPending
		task.StartTime = nil
		p.appendLog(task, "interrupted by shutdown", false)
		p.save(task)
		p.release(task.ID)

	default:
		p.appendLog(task, err.Error(), true)
		if IsPermanent(err) || task.RetryCount >= task.MaxRetries {
			task.Status = scheduler.TaskFailed
			task.EndTime = &now
			p.save(task)
			p.release(task.ID)
			p.publishTask(task)
			p.logger.Warn("task failed", "task_id", task.ID, "job_id", task.JobID,
				"retries", task.RetryCount, "permanent", IsPermanent(err), "error", err)
			p.notify(task)
			return
		}

		task.RetryCount++
		delay := retryDelay(p.cfg.Retry, task.RetryCount)
		task.Status = scheduler.TaskPending
		task.StartTime = nil
		p.appendLog(task, fmt.Sprintf("retry %d/%d in %s: %v", task.RetryCount, task.MaxRetries, delay, err), false)
		p.save(task)
		p.publishTask(task)
		if !p.handOver(task, func() { p.scheduleRetryLocked(task, delay) }) {
			return
		}
		p.logger.Info("task retry scheduled", "task_id", task.ID, "retry", task.RetryCount,
			"max_retries", task.MaxRetries, "delay", delay.String())
	}
}

// handOver moves a task from the running set back to the pool's waiting
// structures with enqueue, unless a Cancel arrived while the outcome was
// being saved. In that case the task is recorded as cancelled instead and
// handOver reports false.
func (p *Pool) handOver(task *scheduler.Task, enqueue func()) bool {
	p.mu.Lock()
	r := p.running[task.ID]
	if r != nil && r.reason == stopCancelled {
		p.mu.Unlock()
		p.cancelled(task)
		return false
	}
	delete(p.running, task.ID)
	enqueue()
	p.mu.Unlock()
	return true
}

// cancelled records a cancellation the pool owns and reports it.
func (p *Pool) cancelled(task *scheduler.Task) {
	now := time.Now().UTC()
	task.Status = scheduler.TaskCancelled
	task.EndTime = &now
	p.appendLog(task, "cancelled", true)
	p.save(task)
	p.release(task.ID)
	p.publishTask(task)
	p.logger.Info("task cancelled", "task_id", task.ID, "job_id", task.JobID)
	p.notify(task)
}

// release drops a task from the running set once its outcome is saved.
func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

func (p *Pool) scheduleRetryLocked(task *scheduler.Task, delay time.Duration) {
	if p.closed {
		return
	}
	id := task.ID
	p.retrying[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if _, ok := p.retrying[id]; !ok {
			p.mu.Unlock()
			return
		}
		delete(p.retrying, id)
		p.queue.Push(task)
		p.mu.Unlock()
		p.signal()
	})
}

// fail marks a task that never started as failed.
func (p *Pool) fail(task *scheduler.Task, err error) {
	now := time.Now().UTC()
	task.Status = scheduler.TaskFailed
	task.EndTime = &now
	p.save(task)
	p.appendLog(task, err.Error(), true)
	p.publishTask(task)
	p.notify(task)
}

func (p *Pool) notify(task *scheduler.Task) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l.TaskFinished(task.Clone())
	}
}

func (p *Pool) save(task *scheduler.Task) {
	if err := p.store.SaveTask(context.Background(), task); err != nil {
		p.logger.Error("failed to save task", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) appendLog(task *scheduler.Task, line string, isError bool) {
	if isError {
		task.Errors = append(task.Errors, line)
	} else {
		task.Logs = append(task.Logs, line)
	}
	if err := p.store.AppendTaskLog(context.Background(), task.ID, line, isError); err != nil {
		p.logger.Error("failed to append task log", "task_id", task.ID, "error", err)
	}
	p.publish(events.EventTypeLog, events.LogPayload{TaskID: task.ID, JobID: task.JobID, Line: line, Error: isError})
}

func (p *Pool) publishTask(task *scheduler.Task) {
	p.publish(events.EventTypeGhost, task.Clone())
}

func (p *Pool) publish(eventType string, payload any) {
	if p.bus != nil {
		p.bus.Publish(eventType, payload)
	}
}

// taskReporter is handed to executors. It serializes progress and log
// updates coming from executor goroutines.
type taskReporter struct {
	pool *Pool
	mu   sync.Mutex
	task *scheduler.Task
}

func (r *taskReporter) Progress(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pct <= r.task.Progress {
		return
	}
	r.task.Progress = pct
	r.pool.save(r.task)
	r.pool.publish(events.EventTypeProgress, events.ProgressPayload{TaskID: r.task.ID, JobID: r.task.JobID, Progress: pct})
}

func (r *taskReporter) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool.appendLog(r.task, line, false)
}
