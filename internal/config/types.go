package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "250ms" or "2m".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration in defaults and tests.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare numbers are nanoseconds, like time.Duration itself
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", data)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Heartbeat       Duration `json:"heartbeat" yaml:"heartbeat"` // SSE keepalive interval
}

// StoreConfig locates the task record database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"` // SQLite file; ":memory:" for an ephemeral store
}

// PoolConfig sizes the executor pool.
type PoolConfig struct {
	Workers     int      `json:"workers" yaml:"workers"`
	TaskTimeout Duration `json:"task_timeout" yaml:"task_timeout"` // Hard limit per attempt
	KillPolicy  string   `json:"kill_policy" yaml:"kill_policy"`   // "finish" or "cancel"
}

// RetryConfig holds the backoff constants applied to transient failures.
type RetryConfig struct {
	MaxRetries int      `json:"max_retries" yaml:"max_retries"` // Default for tasks that do not set their own
	BaseDelay  Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay   Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	Jitter     float64  `json:"jitter" yaml:"jitter"` // Randomization factor, 0 disables
}

// BreakerConfig tunes the per-environment circuit breakers.
type BreakerConfig struct {
	MaxFailures      uint32   `json:"max_failures" yaml:"max_failures"` // Consecutive failures before opening
	OpenTimeout      Duration `json:"open_timeout" yaml:"open_timeout"`
	HalfOpenRequests uint32   `json:"half_open_requests" yaml:"half_open_requests"`
}

// PolicyRule overrides the built-in classification for matching actions.
// Rules are evaluated in order and the first match wins.
type PolicyRule struct {
	Name       string   `json:"name" yaml:"name"`
	Kinds      []string `json:"kinds,omitempty" yaml:"kinds,omitempty"` // Empty matches every kind
	Match      []string `json:"match,omitempty" yaml:"match,omitempty"` // Case-insensitive substrings, any must hit
	Level      int      `json:"level" yaml:"level"`
	Capability string   `json:"capability,omitempty" yaml:"capability,omitempty"` // ui, network, process, app or empty
}

// PolicyConfig is the trust policy. Changing any field should bump Version.
type PolicyConfig struct {
	Version           string       `json:"version" yaml:"version"`
	MaxDelays         int          `json:"max_delays" yaml:"max_delays"` // 0 means unlimited
	Rules             []PolicyRule `json:"rules,omitempty" yaml:"rules,omitempty"`
	DangerousPatterns []string     `json:"dangerous_patterns,omitempty" yaml:"dangerous_patterns,omitempty"`
}

// EventsConfig sizes the live feed.
type EventsConfig struct {
	History          int `json:"history" yaml:"history"`
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// PlannerConfig selects how goals become task plans.
type PlannerConfig struct {
	Type    string   `json:"type" yaml:"type"` // "rules" or "command"
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

type WebConfig struct {
	HandURL   string `json:"hand_url,omitempty" yaml:"hand_url,omitempty"` // Browser automation engine endpoint
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

type SystemConfig struct {
	Shell     string `json:"shell" yaml:"shell"`
	Runtime   string `json:"runtime" yaml:"runtime"` // "local" or "docker"
	Image     string `json:"image" yaml:"image"`
	WorkDir   string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	MaxOutput int    `json:"max_output" yaml:"max_output"` // Bytes of output kept per command
}

type FileConfig struct {
	Root string `json:"root" yaml:"root"`
}

type MonitorConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
	Checks   int      `json:"checks" yaml:"checks"`
}

// ExecutorsConfig configures each execution environment.
type ExecutorsConfig struct {
	Web     WebConfig     `json:"web" yaml:"web"`
	System  SystemConfig  `json:"system" yaml:"system"`
	File    FileConfig    `json:"file" yaml:"file"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
}

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Policy    PolicyConfig    `json:"policy" yaml:"policy"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Planner   PlannerConfig   `json:"planner" yaml:"planner"`
	Executors ExecutorsConfig `json:"executors" yaml:"executors"`
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers)
	}
	if c.Pool.TaskTimeout.Duration <= 0 {
		return fmt.Errorf("pool.task_timeout must be positive")
	}
	switch c.Pool.KillPolicy {
	case KillPolicyFinish, KillPolicyCancel:
	default:
		return fmt.Errorf("pool.kill_policy must be %q or %q, got %q", KillPolicyFinish, KillPolicyCancel, c.Pool.KillPolicy)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.Policy.MaxDelays < 0 {
		return fmt.Errorf("policy.max_delays must not be negative")
	}
	for i, rule := range c.Policy.Rules {
		if rule.Level < 1 || rule.Level > 3 {
			return fmt.Errorf("policy.rules[%d] (%s): level must be 1-3, got %d", i, rule.Name, rule.Level)
		}
		switch rule.Capability {
		case "", "ui", "network", "process", "app":
		default:
			return fmt.Errorf("policy.rules[%d] (%s): unknown capability %q", i, rule.Name, rule.Capability)
		}
	}
	switch c.Planner.Type {
	case PlannerRules:
	case PlannerCommand:
		if c.Planner.Command == "" {
			return fmt.Errorf("planner.command is required for the command planner")
		}
	default:
		return fmt.Errorf("unknown planner.type %q", c.Planner.Type)
	}
	switch c.Executors.System.Runtime {
	case RuntimeLocal, RuntimeDocker:
	default:
		return fmt.Errorf("unknown executors.system.runtime %q", c.Executors.System.Runtime)
	}
	return nil
}
