package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aristath/trustgate/internal/backend"
	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

// LineFunc receives command output as it is produced.
type LineFunc func(stream, line string)

// CommandRunner runs a shell command somewhere: on the host or in a container.
type CommandRunner interface {
	Run(ctx context.Context, command string, sandbox scheduler.Sandbox, onLine LineFunc) (string, error)
}

// LocalRunner runs commands on the host in their own process group.
// Cancellation kills the whole group.
type LocalRunner struct {
	shell     string
	workDir   string
	maxOutput int
	procMgr   *backend.ProcessManager
}

// NewLocalRunner creates a host runner. procMgr may be nil.
func NewLocalRunner(cfg config.SystemConfig, procMgr *backend.ProcessManager) *LocalRunner {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &LocalRunner{shell: shell, workDir: cfg.WorkDir, maxOutput: cfg.MaxOutput, procMgr: procMgr}
}

func (l *LocalRunner) Run(ctx context.Context, command string, _ scheduler.Sandbox, onLine LineFunc) (string, error) {
	result, err := backend.RunCommand(ctx, backend.CommandSpec{
		Name:      l.shell,
		Args:      []string{"-c", command},
		Dir:       l.workDir,
		MaxOutput: l.maxOutput,
	}, l.procMgr, backend.LineFunc(onLine))
	out := strings.TrimSpace(result.Stdout)
	if result.Truncated {
		out += "\n[output truncated]"
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitError(result.ExitCode, err)
		}
		// The shell itself could not start
		return out, Permanent(err)
	}
	return out, nil
}

// exitError classifies a non-zero exit. 126 and 127 mean the command is not
// executable or does not exist, which no retry will change.
func exitError(code int, err error) error {
	if code == 126 || code == 127 {
		return Permanent(fmt.Errorf("exit status %d: %w", code, err))
	}
	return err
}

// SystemExecutor runs system_command and file tasks.
// Commands are cancellable; file operations are short and run to completion.
type SystemExecutor struct {
	runner CommandRunner
	files  *FileOps
}

// NewSystemExecutor creates the executor for the system environment.
func NewSystemExecutor(runner CommandRunner, files *FileOps) *SystemExecutor {
	return &SystemExecutor{runner: runner, files: files}
}

func (s *SystemExecutor) Environment() scheduler.Environment { return scheduler.EnvSystem }

func (s *SystemExecutor) Cancellable(kind scheduler.Kind) bool {
	return kind == scheduler.KindSystemCommand
}

func (s *SystemExecutor) Execute(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	switch task.Kind {
	case scheduler.KindSystemCommand:
		command := task.Param("command")
		if strings.TrimSpace(command) == "" {
			return "", Permanent(errors.New("system_command task has no command"))
		}
		r.Progress(10)
		r.Log("$ " + command)
		return s.runner.Run(ctx, command, task.Sandbox, func(stream, line string) {
			if stream == "stderr" {
				line = "stderr: " + line
			}
			r.Log(line)
		})

	case scheduler.KindFile:
		if s.files == nil {
			return "", Permanent(errors.New("file operations are not configured"))
		}
		op := task.Param("operation")
		if op == "" {
			op = OpRead
		}
		r.Log(op + " " + task.Param("path"))
		return s.files.Apply(op, task.Param("path"), task.Param("content"))
	}
	return "", Permanent(fmt.Errorf("system executor cannot run %s tasks", task.Kind))
}
