package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// handRequest is what the browser automation engine receives.
type handRequest struct {
	TaskID string   `json:"taskId"`
	URL    string   `json:"url,omitempty"`
	Goal   string   `json:"goal,omitempty"`
	Steps  []string `json:"steps,omitempty"`
}

type handResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// WebExecutor runs web_automation tasks. With an engine URL configured the
// task is delegated to the browser automation engine; otherwise the page is
// fetched and its title reported.
type WebExecutor struct {
	handURL   string
	userAgent string
	client    *http.Client
}

// NewWebExecutor creates the executor for the web environment.
func NewWebExecutor(cfg config.WebConfig, client *http.Client) *WebExecutor {
	if client == nil {
		client = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "trustgate"
	}
	return &WebExecutor{handURL: cfg.HandURL, userAgent: ua, client: client}
}

func (w *WebExecutor) Environment() scheduler.Environment { return scheduler.EnvWeb }

func (w *WebExecutor) Cancellable(scheduler.Kind) bool { return true }

func (w *WebExecutor) Execute(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	if task.Kind != scheduler.KindWebAutomation {
		return "", Permanent(fmt.Errorf("web executor cannot run %s tasks", task.Kind))
	}
	if w.handURL != "" {
		return w.delegate(ctx, task, r)
	}
	url := task.Param("url")
	if url == "" {
		return "", Permanent(errors.New("web_automation task has no url and no automation engine is configured"))
	}
	return w.fetch(ctx, url, r)
}

// delegate sends the task to the engine, retrying connection failures briefly.
// Failures reported by the engine itself are returned to the pool as is.
func (w *WebExecutor) delegate(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	req := handRequest{TaskID: task.ID, URL: task.Param("url"), Goal: task.Param("goal")}
	if steps := strings.TrimSpace(task.Param("steps")); steps != "" {
		req.Steps = strings.Split(steps, "\n")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to encode engine request: %w", err))
	}

	r.Log("delegating to automation engine: " + task.Summary())
	r.Progress(10)

	var out handResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.handURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(Permanent(err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("User-Agent", w.userAgent)

		resp, err := w.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, err := readBody(resp)
		if err != nil {
			return err
		}
		if err := statusError(http.MethodPost, w.handURL, resp, body); err != nil {
			return backoff.Permanent(err)
		}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			return backoff.Permanent(Permanent(fmt.Errorf("invalid engine response: %w", err)))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx),
		func(err error, d time.Duration) {
			r.Log(fmt.Sprintf("automation engine unreachable, retrying in %s: %v", d, err))
		})
	if err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("automation engine: %s", out.Error)
	}
	return out.Result, nil
}

func (w *WebExecutor) fetch(ctx context.Context, url string, r Reporter) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", Permanent(fmt.Errorf("invalid url %q: %w", url, err))
	}
	req.Header.Set("User-Agent", w.userAgent)

	r.Log("GET " + url)
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	r.Progress(50)

	body, err := readBody(resp)
	if err != nil {
		return "", err
	}
	if err := statusError(http.MethodGet, url, resp, body); err != nil {
		return "", err
	}

	title := ""
	if m := titlePattern.FindStringSubmatch(body); m != nil {
		title = strings.Join(strings.Fields(m[1]), " ")
	}
	return fmt.Sprintf("fetched %s: %s, title %q", url, resp.Status, title), nil
}
