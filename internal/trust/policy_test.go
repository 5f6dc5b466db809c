package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

func action(kind scheduler.Kind, params map[string]string) Action {
	return ActionFor(&scheduler.Task{Kind: kind, Params: params})
}

func defaultPolicy() *Policy {
	return NewPolicy(config.DefaultConfig().Policy)
}

func TestClassifyDefaults(t *testing.T) {
	none := scheduler.Sandbox{}
	all := scheduler.Sandbox{AllowUI: true, AllowNetwork: true, AllowProcess: true, AllowApp: true}

	tests := []struct {
		name       string
		action     Action
		sandbox    scheduler.Sandbox
		level      int
		capability Capability
		confirm    bool
		violation  bool
	}{
		{"monitoring never blocks", action(scheduler.KindMonitoring, map[string]string{"url": "http://x"}), none, 1, CapNetwork, false, false},
		{"api GET", action(scheduler.KindAPICall, map[string]string{"method": "get"}), none, 1, CapNetwork, false, false},
		{"api POST without network", action(scheduler.KindAPICall, map[string]string{"method": "POST"}), none, 2, CapNetwork, true, true},
		{"api POST with network", action(scheduler.KindAPICall, map[string]string{"method": "POST"}), all, 2, CapNetwork, false, false},
		{"api DELETE", action(scheduler.KindAPICall, map[string]string{"method": "DELETE"}), all, 3, CapNetwork, true, false},
		{"command without process", action(scheduler.KindSystemCommand, map[string]string{"command": "ls -la"}), none, 2, CapProcess, true, true},
		{"command with process", action(scheduler.KindSystemCommand, map[string]string{"command": "ls -la"}), all, 2, CapProcess, false, false},
		{"dangerous command", action(scheduler.KindSystemCommand, map[string]string{"command": "sudo rm -rf /"}), all, 3, CapProcess, true, false},
		{"app launch", action(scheduler.KindSystemCommand, map[string]string{"command": "open -a Music"}), scheduler.Sandbox{AllowProcess: true}, 2, CapApp, true, true},
		{"file read", action(scheduler.KindFile, map[string]string{"operation": "read", "path": "a.txt"}), none, 1, CapNone, false, false},
		{"file write", action(scheduler.KindFile, map[string]string{"operation": "write", "path": "a.txt"}), none, 2, CapProcess, true, true},
		{"file delete", action(scheduler.KindFile, map[string]string{"operation": "delete", "path": "a.txt"}), all, 3, CapProcess, true, false},
		{"web browse", action(scheduler.KindWebAutomation, map[string]string{"url": "https://example.com"}), all, 2, CapUI, false, false},
		{"web checkout", action(scheduler.KindWebAutomation, map[string]string{"goal": "Checkout the cart"}), all, 3, CapUI, true, false},
		{"unknown kind", action(scheduler.Kind("teleport"), nil), all, 3, CapNone, true, false},
	}

	policy := defaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := policy.Classify(tt.action, tt.sandbox)
			assert.Equal(t, tt.level, v.Level)
			assert.Equal(t, tt.capability, v.Capability)
			assert.Equal(t, tt.confirm, v.RequiresConfirmation)
			assert.Equal(t, tt.violation, v.PolicyViolation)
			assert.Equal(t, "default-1", v.PolicyVersion)
			assert.NotEmpty(t, v.Rationale)
		})
	}
}

// Level 1 never blocks, whatever the sandbox says.
func TestClassifyLevelOneNeverBlocks(t *testing.T) {
	cfg := config.DefaultConfig().Policy
	cfg.Rules = []config.PolicyRule{{Name: "trusted", Kinds: []string{"system_command"}, Match: []string{"git status"}, Level: 1, Capability: "process"}}
	policy := NewPolicy(cfg)

	v := policy.Classify(action(scheduler.KindSystemCommand, map[string]string{"command": "git status"}), scheduler.Sandbox{})
	assert.Equal(t, 1, v.Level)
	assert.False(t, v.RequiresConfirmation)
	assert.Equal(t, "trusted", v.Rule)

	// Non-matching commands fall through to the built-in table
	v = policy.Classify(action(scheduler.KindSystemCommand, map[string]string{"command": "git push"}), scheduler.Sandbox{})
	assert.Equal(t, 2, v.Level)
	assert.True(t, v.RequiresConfirmation)
}

func TestClassifyRuleOrderFirstMatchWins(t *testing.T) {
	cfg := config.DefaultConfig().Policy
	cfg.Rules = []config.PolicyRule{
		{Name: "first", Match: []string{"backup"}, Level: 3},
		{Name: "second", Match: []string{"backup"}, Level: 1},
	}
	v := NewPolicy(cfg).Classify(action(scheduler.KindSystemCommand, map[string]string{"command": "backup.sh"}), scheduler.Sandbox{AllowProcess: true})
	assert.Equal(t, "first", v.Rule)
	assert.Equal(t, 3, v.Level)
}

// Classify is deterministic for identical inputs under one policy version.
func TestClassifyDeterministic(t *testing.T) {
	policy := defaultPolicy()
	task := &scheduler.Task{
		Kind:   scheduler.KindSystemCommand,
		Name:   "sync",
		Params: map[string]string{"command": "rsync -a src dst", "cwd": "/srv", "user": "me"},
	}
	sandbox := scheduler.Sandbox{AllowNetwork: true}

	first := policy.Classify(ActionFor(task), sandbox)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, policy.Classify(ActionFor(task), sandbox))
	}
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, d)

	_, err = ParseDecision("maybe")
	assert.ErrorIs(t, err, scheduler.ErrValidation)
}
