package events

import (
	"strings"
	"time"
)

// Topic constants for event routing. A topic is the prefix of an event type.
const (
	TopicOrch  = "orch"
	TopicTrust = "trust"
	TopicGhost = "ghost"
)

// Event type constants. These are also the SSE event names.
const (
	EventTypeJob      = "orch:job"
	EventTypeTask     = "orch:task"
	EventTypePrompt   = "trust:prompt"
	EventTypeDecision = "trust:decision"
	EventTypeKill     = "trust:kill"
	EventTypeGhost    = "ghost:task"
	EventTypeProgress = "ghost:progress"
	EventTypeLog      = "ghost:log"
)

// Event is one entry of the live feed.
type Event struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Topic returns the routing topic of the event (the part before ':').
func (e Event) Topic() string {
	return TopicOf(e.Type)
}

// TopicOf returns the topic for an event type.
func TopicOf(eventType string) string {
	if i := strings.IndexByte(eventType, ':'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// DecisionPayload is published when an operator decides a prompt.
type DecisionPayload struct {
	PromptID string `json:"promptId"`
	Decision string `json:"decision"`
	JobID    string `json:"jobId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
}

// KillPayload is published when the kill switch flips.
type KillPayload struct {
	Paused bool `json:"paused"`
}

// ProgressPayload reports task progress while it runs.
type ProgressPayload struct {
	TaskID   string `json:"taskId"`
	JobID    string `json:"jobId,omitempty"`
	Progress int    `json:"progress"`
}

// LogPayload carries one appended task log or error line.
type LogPayload struct {
	TaskID string `json:"taskId"`
	JobID  string `json:"jobId,omitempty"`
	Line   string `json:"line"`
	Error  bool   `json:"error,omitempty"`
}
