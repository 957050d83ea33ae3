// Package retry provides a bounded, fixed-delay retry wrapper for short
// user-facing calls such as submissions and chat message sends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDelay is the pause between two attempts.
const DefaultDelay = 500 * time.Millisecond

// ErrNoAttempts is returned when Execute is called with maxAttempts < 1.
var ErrNoAttempts = errors.New("retry: max attempts must be positive")

// ExhaustedError wraps the last failure after every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Option configures a Transport.
type Option func(*Transport)

// WithRetryIf limits retries to errors accepted by fn. Other errors are
// returned after the attempt that produced them.
func WithRetryIf(fn func(error) bool) Option {
	return func(t *Transport) {
		t.retryIf = fn
	}
}

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport retries an operation a fixed number of times with a constant
// delay. There is no backoff and no jitter.
type Transport struct {
	delay   time.Duration
	retryIf func(error) bool
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Transport. A negative delay is treated as zero.
func New(delay time.Duration, opts ...Option) *Transport {
	if delay < 0 {
		delay = 0
	}
	t := &Transport{
		delay:  delay,
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Delay returns the configured inter-attempt delay.
func (t *Transport) Delay() time.Duration {
	return t.delay
}

// Do runs op until it succeeds or maxAttempts attempts have failed.
func (t *Transport) Do(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, t, maxAttempts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op up to maxAttempts times and returns the first successful
// result. When every attempt fails the last error is returned inside an
// *ExhaustedError.
func Execute[T any](ctx context.Context, t *Transport, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if maxAttempts < 1 {
		return zero, ErrNoAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if t.retryIf != nil && !t.retryIf(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		t.logger.Debug("Attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", t.delay,
			"error", err)

		if sleepErr := t.sleep(ctx, t.delay); sleepErr != nil {
			return zero, fmt.Errorf("retry interrupted after %d attempts: %w", attempt, errors.Join(sleepErr, lastErr))
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
