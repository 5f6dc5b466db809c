package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CommandSpec describes a subprocess to run.
type CommandSpec struct {
	Name      string
	Args      []string
	Dir       string
	Env       []string // Full environment; nil inherits the parent's
	Stdin     io.Reader
	MaxOutput int // Bytes kept per stream; 0 keeps everything
}

// CommandResult is what a finished subprocess left behind.
type CommandResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool // Output exceeded MaxOutput
}

// LineFunc receives each output line as it is produced. stream is "stdout" or "stderr".
type LineFunc func(stream, line string)

// newCommand creates an exec.Cmd with process group isolation.
// The subprocess gets its own process group, and context cancellation kills the
// whole group rather than just the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	// Grandchildren holding the pipes open must not stall Wait forever
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// RunCommand executes spec, streaming lines to onLine (may be nil) and
// tracking the process in pm (may be nil) while it runs.
//
// Both pipes are drained concurrently before cmd.Wait, so a subprocess that
// writes more than the pipe buffer on either stream cannot deadlock.
// A non-zero exit is returned as an *exec.ExitError wrapped with stderr context;
// a cancelled context is returned as ctx.Err().
func RunCommand(ctx context.Context, spec CommandSpec, pm *ProcessManager, onLine LineFunc) (CommandResult, error) {
	cmd := newCommand(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return CommandResult{}, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	stdout := &cappedBuffer{max: spec.MaxOutput}
	stderr := &cappedBuffer{max: spec.MaxOutput}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(stdoutPipe, "stdout", stdout, onLine)
	}()
	go func() {
		defer wg.Done()
		drain(stderrPipe, "stderr", stderr, onLine)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	result := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && result.Stderr != "" {
			return result, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.TrimSpace(result.Stderr))
		}
		return result, fmt.Errorf("command failed: %w", waitErr)
	}
	return result, nil
}

func drain(r io.Reader, stream string, buf *cappedBuffer, onLine LineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if onLine != nil {
			onLine(stream, line)
		}
	}
	// Keep reading past an oversized line so the writer never blocks
	_, _ = io.Copy(io.Discard, r)
}

// cappedBuffer keeps the first max bytes of output.
type cappedBuffer struct {
	b         strings.Builder
	max       int
	truncated bool
}

func (c *cappedBuffer) WriteLine(line string) {
	if c.max > 0 && c.b.Len()+len(line)+1 > c.max {
		c.truncated = true
		return
	}
	c.b.WriteString(line)
	c.b.WriteByte('\n')
}

func (c *cappedBuffer) String() string {
	return c.b.String()
}

// killProcessGroup kills the entire process group associated with the command.
// This ensures all child processes are terminated, not just the immediate subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the whole group
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running subprocesses and can terminate them all on shutdown.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
// Called during shutdown to ensure clean termination.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
