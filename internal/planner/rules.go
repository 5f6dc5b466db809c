package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/trustgate/internal/scheduler"
)

var (
	clauseSplit = regexp.MustCompile(`(?i)[;\n]+|\s+then\s+`)
	urlPattern  = regexp.MustCompile(`https?://\S+`)
	hostPattern = regexp.MustCompile(`^(?:www\.)?[a-z0-9-]+(?:\.[a-z0-9-]+)+(?:/\S*)?$`)
)

const maxNameLen = 60

// RulePlanner plans goals without a model. A goal that is a JSON plan is used
// as is. Otherwise the goal is split into clauses on newlines, ";" and
// "then", and each clause becomes one task chosen by its leading verb.
// Clauses run in order: each task depends on the one before it.
type RulePlanner struct{}

// NewRulePlanner creates a rule planner.
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

func (RulePlanner) Plan(_ context.Context, goal string) ([]PlannedTask, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is empty", scheduler.ErrValidation)
	}
	if strings.HasPrefix(goal, "{") {
		return ParsePlan([]byte(goal))
	}

	var tasks []PlannedTask
	for _, clause := range clauseSplit.Split(goal, -1) {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(clause, "and "), "And "))
		clause = strings.TrimRight(clause, ".")
		if clause == "" {
			continue
		}
		t := planClause(clause)
		t.Ref = fmt.Sprintf("task-%d", len(tasks)+1)
		t.Name = shorten(clause)
		t.Description = clause
		if len(tasks) > 0 {
			t.DependsOn = []string{tasks[len(tasks)-1].Ref}
		}
		tasks = append(tasks, t)
	}
	return normalize(tasks)
}

// planClause maps one clause to a task by its verb.
func planClause(clause string) PlannedTask {
	verb, rest := splitVerb(clause)
	url := findURL(rest)

	switch verb {
	case "run", "execute", "exec":
		return PlannedTask{Kind: scheduler.KindSystemCommand, Params: map[string]string{"command": stripQuotes(rest)}}

	case "open", "browse", "visit", "navigate":
		if url == "" {
			url = asURL(strings.TrimPrefix(rest, "to "))
		}
		if url != "" {
			return PlannedTask{Kind: scheduler.KindWebAutomation, Params: map[string]string{"url": url}}
		}

	case "fetch", "get", "post", "put", "patch", "call":
		if url != "" {
			method := strings.ToUpper(verb)
			if verb == "fetch" || verb == "call" {
				method = "GET"
			}
			params := map[string]string{"method": method, "url": url}
			if body := strings.TrimSpace(strings.SplitN(rest, url, 2)[1]); body != "" {
				params["body"] = strings.TrimSpace(strings.TrimPrefix(body, "with"))
			}
			return PlannedTask{Kind: scheduler.KindAPICall, Params: params}
		}

	case "delete", "remove":
		if url != "" {
			return PlannedTask{Kind: scheduler.KindAPICall, Params: map[string]string{"method": "DELETE", "url": url}}
		}
		return fileTask("delete", rest)

	case "read", "cat", "write", "append", "list", "ls":
		if verb == "cat" {
			verb = "read"
		}
		if verb == "ls" {
			verb = "list"
		}
		return fileTask(verb, rest)

	case "monitor", "watch":
		if url != "" {
			params := map[string]string{"url": url}
			if _, expect, ok := cutAny(rest, " until ", " for "); ok {
				params["expect"] = stripQuotes(strings.TrimSpace(expect))
			}
			return PlannedTask{Kind: scheduler.KindMonitoring, Params: params}
		}
	}

	params := map[string]string{"goal": clause}
	if url != "" {
		params["url"] = url
	}
	return PlannedTask{Kind: scheduler.KindWebAutomation, Params: params}
}

// fileTask parses "file notes.txt: content", "files in docs" and similar.
func fileTask(op, rest string) PlannedTask {
	var content string
	if op == "write" || op == "append" {
		if before, after, ok := strings.Cut(rest, ":"); ok {
			rest, content = before, strings.TrimSpace(after)
		}
	}
	words := strings.Fields(rest)
	for len(words) > 0 {
		switch strings.ToLower(words[0]) {
		case "file", "files", "the", "in", "to", "directory", "folder", "dir":
			words = words[1:]
			continue
		}
		break
	}
	path := ""
	if len(words) > 0 {
		path = stripQuotes(words[0])
	}
	if op == "list" && path == "" {
		path = "."
	}
	params := map[string]string{"operation": op, "path": path}
	if content != "" {
		params["content"] = content
	}
	return PlannedTask{Kind: scheduler.KindFile, Params: params}
}

func splitVerb(clause string) (string, string) {
	verb, rest, _ := strings.Cut(clause, " ")
	return strings.ToLower(verb), strings.TrimSpace(rest)
}

func findURL(s string) string {
	return strings.TrimRight(urlPattern.FindString(s), ".,)")
}

// asURL turns "example.com/path" into "https://example.com/path".
func asURL(s string) string {
	s = strings.TrimSpace(s)
	if hostPattern.MatchString(strings.ToLower(s)) {
		return "https://" + s
	}
	return ""
}

func cutAny(s string, seps ...string) (string, string, bool) {
	for _, sep := range seps {
		if before, after, ok := strings.Cut(s, sep); ok {
			return before, after, true
		}
	}
	return s, "", false
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '`' && s[len(s)-1] == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func shorten(s string) string {
	if len(s) <= maxNameLen {
		return s
	}
	return s[:maxNameLen-3] + "..."
}
