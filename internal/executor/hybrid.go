package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

// HybridExecutor runs api_call and monitoring tasks.
type HybridExecutor struct {
	client   *http.Client
	interval time.Duration
	checks   int
}

// NewHybridExecutor creates the executor for the hybrid environment.
func NewHybridExecutor(cfg config.MonitorConfig, client *http.Client) *HybridExecutor {
	if client == nil {
		client = &http.Client{}
	}
	h := &HybridExecutor{client: client, interval: cfg.Interval.Duration, checks: cfg.Checks}
	if h.interval <= 0 {
		h.interval = 5 * time.Second
	}
	if h.checks <= 0 {
		h.checks = 3
	}
	return h
}

func (h *HybridExecutor) Environment() scheduler.Environment { return scheduler.EnvHybrid }

func (h *HybridExecutor) Cancellable(scheduler.Kind) bool { return true }

func (h *HybridExecutor) Execute(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	switch task.Kind {
	case scheduler.KindAPICall:
		return h.call(ctx, task, r)
	case scheduler.KindMonitoring:
		return h.monitor(ctx, task, r)
	}
	return "", Permanent(fmt.Errorf("hybrid executor cannot run %s tasks", task.Kind))
}

// call performs one HTTP request. Headers come from the "headers" param, one
// "Name: value" per line.
func (h *HybridExecutor) call(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	url := task.Param("url")
	if url == "" {
		return "", Permanent(errors.New("api_call task has no url"))
	}
	method := strings.ToUpper(task.Param("method"))
	if method == "" {
		method = http.MethodGet
	}

	var body *strings.Reader
	if b := task.Param("body"); b != "" {
		body = strings.NewReader(b)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return "", Permanent(fmt.Errorf("invalid request: %w", err))
	}
	if ct := task.Param("contentType"); ct != "" {
		req.Header.Set("Content-Type", ct)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, line := range strings.Split(task.Param("headers"), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(name) != "" {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	r.Log(method + " " + url)
	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	r.Progress(50)

	text, err := readBody(resp)
	if err != nil {
		return "", err
	}
	if err := statusError(method, url, resp, text); err != nil {
		return "", err
	}
	r.Log(resp.Status)
	if strings.TrimSpace(text) == "" {
		return resp.Status, nil
	}
	return text, nil
}

// monitor polls a URL until the response matches. "expect" is a substring of
// the body; without it any 2xx response matches. "interval" and "checks"
// override the configured defaults.
func (h *HybridExecutor) monitor(ctx context.Context, task *scheduler.Task, r Reporter) (string, error) {
	url := task.Param("url")
	if url == "" {
		return "", Permanent(errors.New("monitoring task has no url"))
	}
	interval := h.interval
	if v := task.Param("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return "", Permanent(fmt.Errorf("invalid monitoring interval %q", v))
		}
		interval = d
	}
	checks := h.checks
	if v := task.Param("checks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", Permanent(fmt.Errorf("invalid monitoring checks %q", v))
		}
		checks = n
	}
	expect := task.Param("expect")

	for i := 1; i <= checks; i++ {
		matched, status, err := h.probe(ctx, url, expect)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			r.Log(fmt.Sprintf("check %d/%d: %v", i, checks, err))
		case matched:
			r.Log(fmt.Sprintf("check %d/%d: %s, condition met", i, checks, status))
			return fmt.Sprintf("condition met on check %d/%d", i, checks), nil
		default:
			r.Log(fmt.Sprintf("check %d/%d: %s, condition not met", i, checks, status))
		}
		r.Progress(i * 100 / checks)

		if i == checks {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", fmt.Errorf("condition not met after %d checks of %s", checks, url)
}

func (h *HybridExecutor) probe(ctx context.Context, url, expect string) (bool, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return false, resp.Status, err
	}
	if expect == "" {
		return resp.StatusCode >= 200 && resp.StatusCode < 300, resp.Status, nil
	}
	return strings.Contains(body, expect), resp.Status, nil
}
