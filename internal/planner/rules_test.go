package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trustgate/internal/scheduler"
)

func TestRulePlannerClauses(t *testing.T) {
	tasks, err := NewRulePlanner().Plan(context.Background(),
		"run `df -h` then fetch https://api.example.com/status; write file report.txt: disk ok\nwatch https://example.com/health until ready")
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	assert.Equal(t, scheduler.KindSystemCommand, tasks[0].Kind)
	assert.Equal(t, "df -h", tasks[0].Params["command"])
	assert.Empty(t, tasks[0].DependsOn)

	assert.Equal(t, scheduler.KindAPICall, tasks[1].Kind)
	assert.Equal(t, "GET", tasks[1].Params["method"])
	assert.Equal(t, "https://api.example.com/status", tasks[1].Params["url"])
	assert.Equal(t, []string{"task-1"}, tasks[1].DependsOn)

	assert.Equal(t, scheduler.KindFile, tasks[2].Kind)
	assert.Equal(t, map[string]string{"operation": "write", "path": "report.txt", "content": "disk ok"}, tasks[2].Params)
	assert.Equal(t, []string{"task-2"}, tasks[2].DependsOn)

	assert.Equal(t, scheduler.KindMonitoring, tasks[3].Kind)
	assert.Equal(t, "ready", tasks[3].Params["expect"])
	assert.Equal(t, "task-4", tasks[3].Ref)
}

func TestRulePlannerVerbs(t *testing.T) {
	tests := []struct {
		clause string
		kind   scheduler.Kind
		params map[string]string
	}{
		{"open example.com", scheduler.KindWebAutomation, map[string]string{"url": "https://example.com"}},
		{"browse https://news.example.org/today", scheduler.KindWebAutomation, map[string]string{"url": "https://news.example.org/today"}},
		{"post https://api.example.com/items {\"a\":1}", scheduler.KindAPICall, map[string]string{"method": "POST", "url": "https://api.example.com/items", "body": "{\"a\":1}"}},
		{"delete https://api.example.com/items/4", scheduler.KindAPICall, map[string]string{"method": "DELETE", "url": "https://api.example.com/items/4"}},
		{"delete file old.log", scheduler.KindFile, map[string]string{"operation": "delete", "path": "old.log"}},
		{"list files in docs", scheduler.KindFile, map[string]string{"operation": "list", "path": "docs"}},
		{"list files", scheduler.KindFile, map[string]string{"operation": "list", "path": "."}},
		{"cat notes.txt", scheduler.KindFile, map[string]string{"operation": "read", "path": "notes.txt"}},
		{"book a table for two", scheduler.KindWebAutomation, map[string]string{"goal": "book a table for two"}},
	}
	for _, tt := range tests {
		t.Run(tt.clause, func(t *testing.T) {
			tasks, err := NewRulePlanner().Plan(context.Background(), tt.clause)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.kind, tasks[0].Kind)
			assert.Equal(t, tt.params, tasks[0].Params)
		})
	}
}

func TestRulePlannerJSONPlan(t *testing.T) {
	goal := `{"tasks": [
		{"id": "a", "kind": "system-command", "params": {"command": "uptime"}},
		{"id": "b", "kind": "api_call", "params": {"url": "https://x.test"}, "dependsOn": ["a"], "maxRetries": 1}
	]}`
	tasks, err := NewRulePlanner().Plan(context.Background(), goal)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, scheduler.KindSystemCommand, tasks[0].Kind)
	assert.Equal(t, "run `uptime`", tasks[0].Name)
	assert.Equal(t, []string{"a"}, tasks[1].DependsOn)
	require.NotNil(t, tasks[1].MaxRetries)
	assert.Equal(t, 1, *tasks[1].MaxRetries)
}

func TestRulePlannerRejectsBadInput(t *testing.T) {
	for _, goal := range []string{
		"   ",
		`{"tasks": [{"kind": "teleport"}]}`,
		`{"tasks": [{"kind": "system_command", "params": {}}]}`,
		`{"tasks": `,
	} {
		_, err := NewRulePlanner().Plan(context.Background(), goal)
		require.Error(t, err, goal)
		assert.True(t, errors.Is(err, scheduler.ErrValidation), "%q: %v", goal, err)
	}
}
