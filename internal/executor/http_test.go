package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

func apiTask(method, url string) *scheduler.Task {
	return &scheduler.Task{ID: "api", Kind: scheduler.KindAPICall, Environment: scheduler.EnvHybrid,
		Params: map[string]string{"method": method, "url": url}}
}

func TestHybridExecutorAPICall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"echo":` + string(body) + `,"auth":"` + r.Header.Get("X-Token") + `"}`))
		case "/missing":
			http.Error(w, "nope", http.StatusNotFound)
		default:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	exec := NewHybridExecutor(config.MonitorConfig{}, srv.Client())
	ctx := context.Background()

	task := apiTask("post", srv.URL+"/ok")
	task.Params["body"] = `{"a":1}`
	task.Params["headers"] = "X-Token: secret"
	out, err := exec.Execute(ctx, task, &recorder{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"a":1},"auth":"secret"}`, out)

	_, err = exec.Execute(ctx, apiTask("GET", srv.URL+"/missing"), &recorder{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "4xx is permanent")

	_, err = exec.Execute(ctx, apiTask("GET", srv.URL+"/down"), &recorder{})
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "5xx is transient")

	_, err = exec.Execute(ctx, apiTask("GET", ""), &recorder{})
	assert.True(t, IsPermanent(err))
}

func TestHybridExecutorMonitoring(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			_, _ = w.Write([]byte("status: starting"))
			return
		}
		_, _ = w.Write([]byte("status: ready"))
	}))
	defer srv.Close()

	exec := NewHybridExecutor(config.MonitorConfig{Interval: config.D(time.Millisecond), Checks: 5}, srv.Client())
	task := &scheduler.Task{ID: "mon", Kind: scheduler.KindMonitoring, Environment: scheduler.EnvHybrid,
		Params: map[string]string{"url": srv.URL, "expect": "ready"}}

	rec := &recorder{}
	out, err := exec.Execute(context.Background(), task, rec)
	require.NoError(t, err)
	assert.Equal(t, "condition met on check 3/5", out)
	assert.Equal(t, []int{20, 40}, rec.progress)

	task.Params["expect"] = "never"
	task.Params["checks"] = "2"
	_, err = exec.Execute(context.Background(), task, &recorder{})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestWebExecutorFetchesTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><head><title>\n  Example   Domain </title></head></html>"))
	}))
	defer srv.Close()

	exec := NewWebExecutor(config.WebConfig{}, srv.Client())
	task := &scheduler.Task{ID: "web", Kind: scheduler.KindWebAutomation, Environment: scheduler.EnvWeb,
		Params: map[string]string{"url": srv.URL}}

	out, err := exec.Execute(context.Background(), task, &recorder{})
	require.NoError(t, err)
	assert.Contains(t, out, `title "Example Domain"`)

	delete(task.Params, "url")
	_, err = exec.Execute(context.Background(), task, &recorder{})
	assert.True(t, IsPermanent(err))
}

func TestWebExecutorDelegatesToEngine(t *testing.T) {
	var got handRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(handResponse{Result: "booked table for two"})
	}))
	defer srv.Close()

	exec := NewWebExecutor(config.WebConfig{HandURL: srv.URL}, srv.Client())
	task := &scheduler.Task{ID: "hand", Kind: scheduler.KindWebAutomation, Environment: scheduler.EnvWeb,
		Params: map[string]string{"url": "https://example.com", "goal": "book a table", "steps": "open\nclick book"}}

	out, err := exec.Execute(context.Background(), task, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, "booked table for two", out)
	assert.Equal(t, "hand", got.TaskID)
	assert.Equal(t, "book a table", got.Goal)
	assert.Equal(t, []string{"open", "click book"}, got.Steps)
}

func TestWebExecutorEngineErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad goal", http.StatusBadRequest)
	}))
	defer srv.Close()

	exec := NewWebExecutor(config.WebConfig{HandURL: srv.URL}, srv.Client())
	task := &scheduler.Task{ID: "hand", Kind: scheduler.KindWebAutomation, Environment: scheduler.EnvWeb,
		Params: map[string]string{"goal": "x"}}

	_, err := exec.Execute(context.Background(), task, &recorder{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load(), "engine rejections are not retried")
}
