package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const promptPlaceholder = "{{prompt}}"

// CommandAdapter runs one CLI invocation per message and returns its stdout.
// It understands the JSON envelopes printed by agent CLIs in non-interactive
// mode ({"result": "..."} or a content array) and falls back to raw text.
type CommandAdapter struct {
	command string
	args    []string
	workDir string
	procMgr *ProcessManager
}

// NewCommandAdapter creates an adapter. The ProcessManager is optional.
func NewCommandAdapter(cfg Config, procMgr *ProcessManager) (*CommandAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend command is required")
	}
	return &CommandAdapter{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		procMgr: procMgr,
	}, nil
}

// Send runs the CLI with the message content.
func (a *CommandAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	result, err := RunCommand(ctx, CommandSpec{
		Name: a.command,
		Args: a.buildArgs(msg),
		Dir:  a.workDir,
	}, a.procMgr, nil)
	if err != nil {
		return Response{Raw: result.Stdout}, fmt.Errorf("%s command failed: %w", a.command, err)
	}

	return Response{
		Content: parseOutput(result.Stdout),
		Raw:     result.Stdout,
	}, nil
}

// Close is a no-op (subprocess-per-invocation model).
func (a *CommandAdapter) Close() error {
	return nil
}

// buildArgs substitutes the prompt placeholder, or appends the prompt when
// the configured args do not mention it.
func (a *CommandAdapter) buildArgs(msg Message) []string {
	args := make([]string, 0, len(a.args)+1)
	replaced := false
	for _, arg := range a.args {
		if strings.Contains(arg, promptPlaceholder) {
			arg = strings.ReplaceAll(arg, promptPlaceholder, msg.Content)
			replaced = true
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, msg.Content)
	}
	return args
}

// parseOutput extracts the text answer from a CLI's stdout.
func parseOutput(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var envelope struct {
		Result  json.RawMessage `json:"result"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return trimmed
	}

	var s string
	if len(envelope.Result) > 0 && json.Unmarshal(envelope.Result, &s) == nil {
		return s
	}

	var nested struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	content := envelope.Content
	if len(envelope.Result) > 0 && json.Unmarshal(envelope.Result, &nested) == nil && len(nested.Content) > 0 {
		content = nested.Content
	}

	var b strings.Builder
	for _, item := range content {
		if item.Type == "text" {
			b.WriteString(item.Text)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	// A bare JSON document (for example a plan) is the answer itself
	return trimmed
}
