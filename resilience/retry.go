// Package resilience provides the retry and circuit-breaker primitives
// shared by the agent runtime, the tool clients, and the enhanced bus.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/agenticcoder/agentcore/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries    int           // Additional attempts after the first (total attempts = MaxRetries + 1)
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Backoff cap
	BackoffFactor float64       // Multiplier applied per retry
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Backoff returns the delay to apply before the given retry (1-based).
// The exponential curve is capped at MaxDelay.
func (c *RetryConfig) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(c.InitialDelay)
	for i := 1; i < retry; i++ {
		delay *= c.BackoffFactor
		if time.Duration(delay) >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	d := time.Duration(delay)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Retry executes fn until it succeeds or the retry budget is spent.
// The attempt number (1-based) is passed to fn so callers can record it.
// Errors for which retryable returns false are surfaced immediately;
// a nil retryable predicate retries every error.
func Retry(ctx context.Context, config *RetryConfig, retryable func(error) bool, fn func(attempt int) error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	attempts := config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(config.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, attempts, lastErr)
}
