// Package planner turns natural-language goals into task plans.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/trustgate/internal/scheduler"
)

// PlannedTask is one step of a plan. Ref identifies the step inside the plan;
// DependsOn lists the Refs that must complete first.
type PlannedTask struct {
	Ref         string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Kind        scheduler.Kind    `json:"kind"`
	Params      map[string]string `json:"params,omitempty"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	Resources   []string          `json:"resources,omitempty"`
	MaxRetries  *int              `json:"maxRetries,omitempty"`
}

// Planner decomposes a goal into tasks.
type Planner interface {
	Plan(ctx context.Context, goal string) ([]PlannedTask, error)
}

type planDocument struct {
	Tasks []PlannedTask `json:"tasks"`
}

// ParsePlan decodes a JSON plan of the form {"tasks": [...]} and normalizes
// it: kinds may use the hyphenated form, missing refs become task-N and
// missing names fall back to the task summary.
func ParsePlan(data []byte) ([]PlannedTask, error) {
	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid plan: %v", scheduler.ErrValidation, err)
	}
	return normalize(doc.Tasks)
}

func normalize(tasks []PlannedTask) ([]PlannedTask, error) {
	out := make([]PlannedTask, 0, len(tasks))
	for i, t := range tasks {
		kind, err := scheduler.ParseKind(string(t.Kind))
		if err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i+1, err)
		}
		t.Kind = kind
		if t.Ref == "" {
			t.Ref = fmt.Sprintf("task-%d", i+1)
		}
		if t.Params == nil {
			t.Params = map[string]string{}
		}
		if err := scheduler.ValidateParams(kind, t.Params); err != nil {
			return nil, fmt.Errorf("plan step %q: %w", t.Ref, err)
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: plan step %q: maxRetries must not be negative", scheduler.ErrValidation, t.Ref)
		}
		if strings.TrimSpace(t.Name) == "" {
			probe := scheduler.Task{Kind: kind, Params: t.Params}
			t.Name = probe.Summary()
		}
		out = append(out, t)
	}
	return out, nil
}

// extractJSON returns the outermost {...} of text, for agents that wrap
// their plan in prose or code fences.
func extractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
