package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

// DockerRunner runs each command in a throwaway container. The container has
// no network unless the task's sandbox allows it, and a read-only root.
type DockerRunner struct {
	cli       *client.Client
	image     string
	shell     string
	workDir   string
	maxOutput int
}

// NewDockerRunner connects to the Docker daemon from the environment.
func NewDockerRunner(cfg config.SystemConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &DockerRunner{cli: cli, image: cfg.Image, shell: shell, workDir: cfg.WorkDir, maxOutput: cfg.MaxOutput}, nil
}

func (d *DockerRunner) Run(ctx context.Context, command string, sandbox scheduler.Sandbox, onLine LineFunc) (string, error) {
	network := "none"
	if sandbox.AllowNetwork {
		network = "bridge"
	}

	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{d.shell, "-c", command},
		WorkingDir: d.workDir,
		Tty:        false,
		Labels:     map[string]string{"trustgate.managed": "true"},
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(network),
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if client.IsErrNotFound(err) {
		reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", d.image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	// Force removal also stops a container whose context was cancelled
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil {
			return "", fmt.Errorf("failed waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	emitLines(&stdout, "stdout", onLine)
	emitLines(&stderr, "stderr", onLine)

	out := strings.TrimSpace(stdout.String())
	if d.maxOutput > 0 && len(out) > d.maxOutput {
		out = out[:d.maxOutput] + "\n[output truncated]"
	}
	if exitCode != 0 {
		err := fmt.Errorf("container exited with status %d: %s", exitCode, strings.TrimSpace(stderr.String()))
		return out, exitError(int(exitCode), err)
	}
	return out, nil
}

func emitLines(r io.Reader, stream string, onLine LineFunc) {
	if onLine == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onLine(stream, scanner.Text())
	}
}
