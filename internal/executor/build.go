package executor

import (
	"fmt"
	"net/http"

	"github.com/aristath/trustgate/internal/backend"
	"github.com/aristath/trustgate/internal/config"
)

// NewExecutors builds one executor per environment from configuration.
func NewExecutors(cfg config.ExecutorsConfig, procMgr *backend.ProcessManager) ([]Executor, error) {
	var runner CommandRunner
	switch cfg.System.Runtime {
	case "", config.RuntimeLocal:
		runner = NewLocalRunner(cfg.System, procMgr)
	case config.RuntimeDocker:
		dr, err := NewDockerRunner(cfg.System)
		if err != nil {
			return nil, err
		}
		runner = dr
	default:
		return nil, fmt.Errorf("unknown system runtime %q", cfg.System.Runtime)
	}

	files, err := NewFileOps(cfg.File.Root)
	if err != nil {
		return nil, err
	}

	client := &http.Client{}
	return []Executor{
		NewWebExecutor(cfg.Web, client),
		NewSystemExecutor(runner, files),
		NewHybridExecutor(cfg.Monitor, client),
	}, nil
}
