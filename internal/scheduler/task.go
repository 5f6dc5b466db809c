package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Queued or waiting for dependencies
	TaskRunning   TaskStatus = "running"   // Owned by the executor pool
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Retries exhausted or permanent error
	TaskPaused    TaskStatus = "paused"    // Behind a trust prompt or held by an operator
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition can leave this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Environment is the execution surface a task runs against.
type Environment string

const (
	EnvWeb    Environment = "web"
	EnvSystem Environment = "system"
	EnvHybrid Environment = "hybrid"
)

// Kind is the type of automation a task performs.
type Kind string

const (
	KindWebAutomation Kind = "web_automation"
	KindSystemCommand Kind = "system_command"
	KindFile          Kind = "file"
	KindAPICall       Kind = "api_call"
	KindMonitoring    Kind = "monitoring"
)

// Kinds lists every supported task kind.
var Kinds = []Kind{KindWebAutomation, KindSystemCommand, KindFile, KindAPICall, KindMonitoring}

// ParseKind accepts both the snake_case kind and the hyphenated URL form
// ("system-command").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown task type %q", ErrValidation, s)
}

// Environment returns the execution surface for the kind.
func (k Kind) Environment() Environment {
	switch k {
	case KindWebAutomation:
		return EnvWeb
	case KindSystemCommand, KindFile:
		return EnvSystem
	default:
		return EnvHybrid
	}
}

// Sandbox holds the capability flags granted to a job.
type Sandbox struct {
	AllowUI      bool `json:"allowUI"`
	AllowNetwork bool `json:"allowNetwork"`
	AllowProcess bool `json:"allowProcess"`
	AllowApp     bool `json:"allowApp"`
}

// Task is one schedulable unit of execution.
type Task struct {
	ID          string            `json:"id"`
	JobID       string            `json:"jobId,omitempty"` // Empty for standalone tasks
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Kind        Kind              `json:"kind"`
	Environment Environment       `json:"environment"`
	Params      map[string]string `json:"params,omitempty"` // command, url, method, path, operation, ...
	Priority    int               `json:"priority"`         // Inherited from the job
	DependsOn   []string          `json:"dependsOn,omitempty"`
	Resources   []string          `json:"resources,omitempty"` // Lock keys held while running
	Status      TaskStatus        `json:"status"`
	Progress    int               `json:"progress"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	Logs        []string          `json:"logs"`
	Errors      []string          `json:"errors"`
	Result      string            `json:"result,omitempty"`
	Approved    bool              `json:"approved"` // An operator approved the trust prompt for this task
	Held        bool              `json:"held"`     // Paused by an operator rather than by a prompt
	Simulate    bool              `json:"simulate"`
	Sandbox     Sandbox           `json:"sandbox"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartTime   *time.Time        `json:"startTime,omitempty"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
}

// Param returns a parameter or "".
func (t *Task) Param(key string) string {
	if t.Params == nil {
		return ""
	}
	return t.Params[key]
}

// Summary renders the action the task will perform, used for logs,
// prompt titles and simulated runs.
func (t *Task) Summary() string {
	switch t.Kind {
	case KindSystemCommand:
		return "run `" + t.Param("command") + "`"
	case KindFile:
		op := t.Param("operation")
		if op == "" {
			op = "read"
		}
		return op + " file " + t.Param("path")
	case KindAPICall:
		method := t.Param("method")
		if method == "" {
			method = "GET"
		}
		return strings.ToUpper(method) + " " + t.Param("url")
	case KindMonitoring:
		return "monitor " + t.Param("url")
	case KindWebAutomation:
		if goal := t.Param("goal"); goal != "" {
			if url := t.Param("url"); url != "" {
				return goal + " on " + url
			}
			return goal
		}
		return "browse " + t.Param("url")
	}
	if t.Name != "" {
		return t.Name
	}
	return string(t.Kind)
}

// ActionText flattens the task into the text the trust policy matches against.
// Parameters are emitted in key order so identical tasks produce identical text.
func (t *Task) ActionText() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteString("\n")
	b.WriteString(t.Description)
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(t.Params[k])
	}
	return b.String()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.Resources = append([]string(nil), t.Resources...)
	c.Logs = append([]string{}, t.Logs...)
	c.Errors = append([]string{}, t.Errors...)
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	return &c
}

// ValidateParams checks that a task of the given kind carries the parameters
// its executor needs.
func ValidateParams(kind Kind, params map[string]string) error {
	need := func(keys ...string) error {
		for _, k := range keys {
			if strings.TrimSpace(params[k]) != "" {
				return nil
			}
		}
		return fmt.Errorf("%w: %s task needs %s", ErrValidation, kind, strings.Join(keys, " or "))
	}

	switch kind {
	case KindSystemCommand:
		return need("command")
	case KindFile:
		switch op := params["operation"]; op {
		case "", "read", "write", "append", "delete":
			return need("path")
		case "list":
			return nil
		default:
			return fmt.Errorf("%w: unknown file operation %q", ErrValidation, op)
		}
	case KindAPICall, KindMonitoring:
		return need("url")
	case KindWebAutomation:
		return need("url", "goal")
	}
	return fmt.Errorf("%w: unknown task kind %q", ErrValidation, kind)
}
