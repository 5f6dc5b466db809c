package trust

import (
	"fmt"
	"strings"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

// Capability is the sandbox permission an action needs.
type Capability string

const (
	CapNone    Capability = ""
	CapUI      Capability = "ui"
	CapNetwork Capability = "network"
	CapProcess Capability = "process"
	CapApp     Capability = "app"
)

// Allowed reports whether the sandbox grants the capability.
func (c Capability) Allowed(s scheduler.Sandbox) bool {
	switch c {
	case CapUI:
		return s.AllowUI
	case CapNetwork:
		return s.AllowNetwork
	case CapProcess:
		return s.AllowProcess
	case CapApp:
		return s.AllowApp
	}
	return true
}

// Risk levels.
const (
	LevelLow    = 1 // Never blocks
	LevelMedium = 2 // Blocks when the sandbox withholds the capability
	LevelHigh   = 3 // Always blocks
)

// Action is the semantic description of what a task is about to do.
type Action struct {
	Kind    scheduler.Kind
	Summary string
	Params  map[string]string
	Text    string // Lowercased text that rules match against
}

// ActionFor describes a task for classification.
func ActionFor(t *scheduler.Task) Action {
	return Action{
		Kind:    t.Kind,
		Summary: t.Summary(),
		Params:  t.Params,
		Text:    strings.ToLower(t.ActionText()),
	}
}

func (a Action) param(key string) string {
	if a.Params == nil {
		return ""
	}
	return a.Params[key]
}

// Verdict is the outcome of classifying an action.
type Verdict struct {
	Level                int        `json:"level"`
	RequiresConfirmation bool       `json:"requiresConfirmation"`
	Rationale            string     `json:"rationale"`
	Capability           Capability `json:"capability"`
	PolicyViolation      bool       `json:"policyViolation"` // The sandbox forbids the capability
	Rule                 string     `json:"rule"`
	PolicyVersion        string     `json:"policyVersion"`
}

// Policy classifies actions into risk levels. It holds no mutable state, so
// Classify is a pure function of its inputs for a given policy version.
type Policy struct {
	version   string
	rules     []config.PolicyRule
	dangerous []string
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg config.PolicyConfig) *Policy {
	p := &Policy{
		version: cfg.Version,
		rules:   make([]config.PolicyRule, len(cfg.Rules)),
	}
	copy(p.rules, cfg.Rules)
	for _, pat := range cfg.DangerousPatterns {
		if pat = strings.ToLower(pat); pat != "" {
			p.dangerous = append(p.dangerous, pat)
		}
	}
	return p
}

// Version returns the policy version recorded on every verdict.
func (p *Policy) Version() string {
	return p.version
}

// Classify scores an action and applies the escalation rule:
// level 1 never blocks, level 2 blocks only when the sandbox withholds the
// capability, level 3 always blocks.
func (p *Policy) Classify(action Action, sandbox scheduler.Sandbox) Verdict {
	level, capability, rule := p.score(action)

	v := Verdict{
		Level:         level,
		Capability:    capability,
		Rule:          rule,
		PolicyVersion: p.version,
	}

	switch level {
	case LevelLow:
		v.Rationale = fmt.Sprintf("low risk (%s): %s runs unattended", rule, action.Summary)
	case LevelMedium:
		if capability.Allowed(sandbox) {
			v.Rationale = fmt.Sprintf("medium risk (%s): sandbox allows %s for %s", rule, capability, action.Summary)
		} else {
			v.RequiresConfirmation = true
			v.PolicyViolation = true
			v.Rationale = fmt.Sprintf("policy violation (%s): sandbox forbids %s for %s", rule, capability, action.Summary)
		}
	default:
		v.Level = LevelHigh
		v.RequiresConfirmation = true
		v.Rationale = fmt.Sprintf("high risk (%s): %s requires explicit sign-off", rule, action.Summary)
		if capability != CapNone && !capability.Allowed(sandbox) {
			v.PolicyViolation = true
		}
	}

	return v
}

// score returns the level, capability and the name of the rule that decided it.
// Configured rules win over the built-in table.
func (p *Policy) score(a Action) (int, Capability, string) {
	for _, rule := range p.rules {
		if ruleMatches(rule, a) {
			return rule.Level, Capability(rule.Capability), rule.Name
		}
	}

	switch a.Kind {
	case scheduler.KindMonitoring:
		return LevelLow, CapNetwork, "monitoring"

	case scheduler.KindAPICall:
		switch strings.ToUpper(a.param("method")) {
		case "", "GET", "HEAD", "OPTIONS":
			return LevelLow, CapNetwork, "api read"
		case "POST", "PUT", "PATCH":
			return LevelMedium, CapNetwork, "api write"
		default:
			return LevelHigh, CapNetwork, "api destructive"
		}

	case scheduler.KindWebAutomation:
		if containsAny(a.Text, sensitiveWebWords) {
			return LevelHigh, CapUI, "web sensitive"
		}
		return LevelMedium, CapUI, "web automation"

	case scheduler.KindSystemCommand:
		cmd := strings.ToLower(a.param("command"))
		if containsAny(cmd, p.dangerous) {
			return LevelHigh, CapProcess, "dangerous command"
		}
		if launchesApp(cmd) {
			return LevelMedium, CapApp, "app launch"
		}
		return LevelMedium, CapProcess, "system command"

	case scheduler.KindFile:
		switch strings.ToLower(a.param("operation")) {
		case "", "read", "list", "stat":
			return LevelLow, CapNone, "file read"
		case "write", "append", "mkdir":
			return LevelMedium, CapProcess, "file write"
		default:
			return LevelHigh, CapProcess, "file destructive"
		}
	}

	return LevelHigh, CapNone, "unknown action"
}

var sensitiveWebWords = []string{
	"purchase", "buy ", "checkout", "payment", "pay ", "login", "log in", "sign in",
	"password", "submit", "transfer", "delete account",
}

var appLaunchers = []string{"open ", "xdg-open ", "start ", "launch ", "osascript ", "gtk-launch "}

func launchesApp(cmd string) bool {
	for _, l := range appLaunchers {
		if strings.HasPrefix(cmd, l) {
			return true
		}
	}
	return false
}

func ruleMatches(rule config.PolicyRule, a Action) bool {
	if len(rule.Kinds) > 0 {
		hit := false
		for _, k := range rule.Kinds {
			if scheduler.Kind(k) == a.Kind {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(rule.Match) == 0 {
		return true
	}
	for _, m := range rule.Match {
		if m != "" && strings.Contains(a.Text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
