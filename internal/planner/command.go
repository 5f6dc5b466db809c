package planner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/trustgate/internal/backend"
)

const planInstructions = `Decompose the goal below into automation tasks.
Reply with JSON only, in the form {"tasks": [{"id", "name", "kind", "params", "dependsOn"}]}.
kind is one of web_automation, system_command, file, api_call, monitoring.
params: system_command {command}; file {operation: read|write|append|delete|list, path, content};
api_call {method, url, body}; monitoring {url, expect}; web_automation {url, goal}.

Goal: `

// CommandPlanner asks an agent CLI for a plan. When the agent fails or its
// answer is not a valid plan, the goal is planned by rules instead.
type CommandPlanner struct {
	backend  backend.Backend
	fallback Planner
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCommandPlanner creates a planner around b. fallback may be nil.
func NewCommandPlanner(b backend.Backend, fallback Planner, timeout time.Duration, logger *slog.Logger) *CommandPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandPlanner{backend: b, fallback: fallback, timeout: timeout, logger: logger}
}

func (c *CommandPlanner) Plan(ctx context.Context, goal string) ([]PlannedTask, error) {
	tasks, err := c.ask(ctx, goal)
	if err == nil {
		return tasks, nil
	}
	if c.fallback == nil || ctx.Err() != nil {
		return nil, err
	}
	c.logger.Warn("agent planning failed, falling back to rules", "error", err)
	return c.fallback.Plan(ctx, goal)
}

func (c *CommandPlanner) ask(ctx context.Context, goal string) ([]PlannedTask, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.backend.Send(ctx, backend.Message{Content: planInstructions + goal, Role: "user"})
	if err != nil {
		return nil, fmt.Errorf("planner agent failed: %w", err)
	}
	doc, ok := extractJSON(resp.Content)
	if !ok {
		return nil, fmt.Errorf("planner agent returned no JSON plan")
	}
	return ParsePlan([]byte(doc))
}

// Close releases the agent backend.
func (c *CommandPlanner) Close() error {
	return c.backend.Close()
}
