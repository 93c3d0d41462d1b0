// Package retry shields remote store operations from spurious cancellation-class
// failures (credential refresh racing with view teardown, aborted keepalives).
//
// Only abort-class errors are retried. Anything else (constraint violations, auth
// failures) is a real business error and is returned on first occurrence. Retried
// delivery is at-least-once, so the wrapped writes must be idempotent by id.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 200 * time.Millisecond
	backoffFactor      = 1.5
)

type Options struct {
	// MaxAttempts bounds total attempts, including the first. Default: 5.
	MaxAttempts int
	// BaseDelay is the first backoff delay; each subsequent delay grows by 1.5x.
	// Default: 200ms.
	BaseDelay time.Duration
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return o.MaxAttempts
}

func (o Options) baseDelay() time.Duration {
	if o.BaseDelay <= 0 {
		return defaultBaseDelay
	}
	return o.BaseDelay
}

// Do runs op, retrying abort-class failures with exponential backoff.
//
// Non-abort errors are returned immediately. Exhausting the attempt budget
// returns the last-seen error.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if op == nil {
		return zero, errors.New("nil operation")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := opts.maxAttempts()
	delay := opts.baseDelay()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			delay = time.Duration(float64(delay) * backoffFactor)
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsAbortError(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, opts Options, op func(context.Context) error) error {
	if op == nil {
		return errors.New("nil operation")
	}
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

var abortMarkers = []string{
	"abort",
	"canceled",
	"cancelled",
}

// IsAbortError reports whether err looks like an operation-cancellation failure
// rather than a genuine business or connectivity error.
//
// Matching is by error identity (context cancellation) and by name/message
// inspection, including a JSON-serialized rendering of the error for transports
// that wrap the original failure in a structured payload.
func IsAbortError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if matchesAbort(err.Error()) {
		return true
	}
	if b, jerr := json.Marshal(err); jerr == nil && matchesAbort(string(b)) {
		return true
	}
	return false
}

func matchesAbort(s string) bool {
	s = strings.ToLower(s)
	for _, m := range abortMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
