package planner

import (
	"fmt"
	"log/slog"

	"github.com/aristath/trustgate/internal/backend"
	"github.com/aristath/trustgate/internal/config"
)

// New builds the planner selected by configuration.
func New(cfg config.PlannerConfig, procMgr *backend.ProcessManager, logger *slog.Logger) (Planner, error) {
	switch cfg.Type {
	case "", config.PlannerRules:
		return NewRulePlanner(), nil
	case config.PlannerCommand:
		b, err := backend.New(backend.Config{Type: "command", Command: cfg.Command, Args: cfg.Args}, procMgr)
		if err != nil {
			return nil, fmt.Errorf("failed to create planner backend: %w", err)
		}
		return NewCommandPlanner(b, NewRulePlanner(), cfg.Timeout.Duration, logger), nil
	}
	return nil, fmt.Errorf("unknown planner type %q", cfg.Type)
}
