package scheduler

import (
	"errors"
	"strings"
	"testing"
)

func planTask(id string, deps ...string) *Task {
	return &Task{ID: id, Status: TaskPending, DependsOn: deps}
}

// TestOrderPlan tests plan validation with various graph structures.
func TestOrderPlan(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantErr     bool
		errContains string
	}{
		{
			name:  "linear chain",
			tasks: []*Task{planTask("A"), planTask("B", "A"), planTask("C", "B")},
		},
		{
			name:  "fan in",
			tasks: []*Task{planTask("A"), planTask("B"), planTask("C", "A", "B")},
		},
		{
			name:  "empty plan",
			tasks: nil,
		},
		{
			name:        "direct cycle",
			tasks:       []*Task{planTask("A", "B"), planTask("B", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self loop",
			tasks:       []*Task{planTask("A", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "dangling dependency",
			tasks:       []*Task{planTask("A", "ghost")},
			wantErr:     true,
			errContains: "non-existent",
		},
		{
			name:        "duplicate id",
			tasks:       []*Task{planTask("A"), planTask("A")},
			wantErr:     true,
			errContains: "already exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := OrderPlan(tt.tasks)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.tasks) {
				t.Fatalf("order has %d ids, want %d", len(order), len(tt.tasks))
			}

			pos := make(map[string]int)
			for i, id := range order {
				pos[id] = i
			}
			for _, task := range tt.tasks {
				for _, dep := range task.DependsOn {
					if pos[dep] > pos[task.ID] {
						t.Errorf("%s ordered before its dependency %s", task.ID, dep)
					}
				}
			}
		})
	}
}

// TestReady verifies only pending tasks with completed dependencies are returned.
func TestReady(t *testing.T) {
	a := planTask("A")
	b := planTask("B", "A")
	c := planTask("C")
	c.Held = true
	d := planTask("D")
	d.Status = TaskRunning

	ready := Ready([]*Task{a, b, c, d})
	if len(ready) != 1 || ready[0].ID != "A" {
		t.Fatalf("expected only A ready, got %v", ids(ready))
	}

	a.Status = TaskCompleted
	ready = Ready([]*Task{a, b, c, d})
	if len(ready) != 1 || ready[0].ID != "B" {
		t.Fatalf("expected only B ready, got %v", ids(ready))
	}

	a.Status = TaskFailed
	if ready := Ready([]*Task{a, b}); len(ready) != 0 {
		t.Fatalf("failed dependency must block, got %v", ids(ready))
	}
}

func TestAllCompleted(t *testing.T) {
	a, b := planTask("A"), planTask("B")
	a.Status = TaskCompleted
	if AllCompleted([]*Task{a, b}) {
		t.Error("B is still pending")
	}
	b.Status = TaskCompleted
	if !AllCompleted([]*Task{a, b}) {
		t.Error("expected all completed")
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
