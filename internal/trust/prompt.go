package trust

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/trustgate/internal/scheduler"
)

// Decision is an operator's answer to a prompt.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionDelay   Decision = "delay"
)

// AllDecisions is the default option set offered by a prompt.
var AllDecisions = []Decision{DecisionApprove, DecisionReject, DecisionDelay}

// ParseDecision normalizes operator input.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject, DecisionDelay:
		return d, nil
	}
	return "", fmt.Errorf("%w: decision must be approve, reject or delay, got %q", scheduler.ErrValidation, s)
}

// Meta keys recorded on every prompt.
const (
	MetaJobID         = "jobId"
	MetaTaskID        = "taskId"
	MetaKind          = "kind"
	MetaCapability    = "capability"
	MetaPolicyVersion = "policyVersion"
)

// Prompt is a pending approval request. Prompts are immutable once created.
type Prompt struct {
	ID        string            `json:"id"`
	Level     int               `json:"level"`
	Title     string            `json:"title"`
	Rationale string            `json:"rationale"`
	Options   []Decision        `json:"options"`
	CreatedAt time.Time         `json:"createdAt"`
	Meta      map[string]string `json:"meta"`
}

// JobID returns the job this prompt blocks, or "" for standalone tasks.
func (p Prompt) JobID() string { return p.Meta[MetaJobID] }

// TaskID returns the task this prompt blocks.
func (p Prompt) TaskID() string { return p.Meta[MetaTaskID] }

// Allows reports whether d is one of the prompt's options.
func (p Prompt) Allows(d Decision) bool {
	for _, o := range p.Options {
		if o == d {
			return true
		}
	}
	return false
}

func (p Prompt) clone() Prompt {
	c := p
	c.Options = append([]Decision(nil), p.Options...)
	c.Meta = make(map[string]string, len(p.Meta))
	for k, v := range p.Meta {
		c.Meta[k] = v
	}
	return c
}

// PromptRequest describes a prompt to create.
type PromptRequest struct {
	Level     int
	Title     string
	Rationale string
	Options   []Decision // Defaults to AllDecisions
	Meta      map[string]string
}

// PendingPrompt is a prompt together with the gate's bookkeeping, as persisted.
type PendingPrompt struct {
	Prompt Prompt
	Delays int
	Order  int64 // Position in the pending order; delays move a prompt to the back
}
