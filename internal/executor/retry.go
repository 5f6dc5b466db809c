package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/scheduler"
)

// retryDelay returns the wait before retry number attempt (1-based).
// It replays an exponential backoff so the nth delay is base*multiplier^(n-1),
// capped at MaxDelay and randomized by Jitter.
func retryDelay(cfg config.RetryConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay.Duration
	b.MaxInterval = cfg.MaxDelay.Duration
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0 // The pool counts attempts itself
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}

// BreakerRegistry manages per-environment circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	logger   *slog.Logger
	breakers map[scheduler.Environment]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg config.BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[scheduler.Environment]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the environment, creating it on first use.
func (r *BreakerRegistry) Get(env scheduler.Environment) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[env]; ok {
		return cb
	}

	maxFailures := r.cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(env),
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "environment", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation, timeouts and permanent task errors say nothing
			// about the health of the environment
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return IsPermanent(err)
		},
	})

	r.breakers[env] = cb
	return cb
}

// State reports the breaker state for an environment without creating one.
func (r *BreakerRegistry) State(env scheduler.Environment) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[env]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
