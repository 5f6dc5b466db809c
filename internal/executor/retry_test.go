package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/trustgate/internal/config"
)

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		BaseDelay:  config.D(100 * time.Millisecond),
		MaxDelay:   config.D(300 * time.Millisecond),
		Multiplier: 2,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			if got := retryDelay(cfg, tt.attempt); got != tt.want {
				t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryDelayJitterStaysInRange(t *testing.T) {
	cfg := config.RetryConfig{
		BaseDelay:  config.D(100 * time.Millisecond),
		MaxDelay:   config.D(time.Second),
		Multiplier: 2,
		Jitter:     0.5,
	}
	for i := 0; i < 50; i++ {
		d := retryDelay(cfg, 1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	wrapped := fmt.Errorf("context: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Error("permanent error should unwrap to its cause")
	}
}

func TestBreakerIgnoresPermanentAndCancellation(t *testing.T) {
	r := NewBreakerRegistry(config.BreakerConfig{MaxFailures: 1, OpenTimeout: config.D(time.Minute), HalfOpenRequests: 1}, nil)
	cb := r.Get("system")

	for _, err := range []error{Permanent(errors.New("bad input")), fmt.Errorf("attempt: %w", context.Canceled)} {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
	}
	if got := r.State("system").String(); got != "closed" {
		t.Fatalf("breaker state = %s, want closed", got)
	}

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	if got := r.State("system").String(); got != "open" {
		t.Fatalf("breaker state = %s, want open", got)
	}
	if r.Get("system") != cb {
		t.Error("registry should return the same breaker per environment")
	}
}
