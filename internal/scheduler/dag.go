package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// OrderPlan validates the dependency graph of a job's tasks and returns the
// task IDs in an order that respects every DependsOn edge.
// It rejects duplicate IDs, dangling dependencies and cycles.
func OrderPlan(tasks []*Task) ([]string, error) {
	byID := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if _, exists := byID[task.ID]; exists {
			return nil, fmt.Errorf("%w: task with ID %q already exists", ErrValidation, task.ID)
		}
		byID[task.ID] = task
	}

	// Verify all dependencies exist
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := byID[depID]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on non-existent task %q", ErrValidation, task.ID, depID)
			}
		}
	}

	// Edge (dep, task) means dep must come before task; roots hang off nil.
	// Walking the slice rather than the map keeps the order deterministic.
	var edges []toposort.Edge
	for _, task := range tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: plan contains cycle: %v", ErrValidation, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// Tasks that only appear inside a cycle never reach the sorted output
	if len(order) != len(tasks) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for _, task := range tasks {
			if !found[task.ID] {
				missing = append(missing, task.ID)
			}
		}
		return nil, fmt.Errorf("%w: plan contains cycle through %s", ErrValidation, strings.Join(missing, ", "))
	}

	return order, nil
}

// Ready returns the pending tasks whose dependencies have all completed,
// skipping tasks an operator is holding. The input order is preserved.
func Ready(tasks []*Task) []*Task {
	status := make(map[string]TaskStatus, len(tasks))
	for _, task := range tasks {
		status[task.ID] = task.Status
	}

	var ready []*Task
	for _, task := range tasks {
		if task.Status != TaskPending || task.Held {
			continue
		}
		resolved := true
		for _, depID := range task.DependsOn {
			if status[depID] != TaskCompleted {
				resolved = false
				break
			}
		}
		if resolved {
			ready = append(ready, task)
		}
	}
	return ready
}

// AllCompleted reports whether every task finished successfully.
func AllCompleted(tasks []*Task) bool {
	for _, task := range tasks {
		if task.Status != TaskCompleted {
			return false
		}
	}
	return true
}
