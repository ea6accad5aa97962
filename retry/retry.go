// Package retry composes bounded retries around tally's single-attempt
// primitives. Nothing in tally retries on its own; callers choose a Policy
// and pass it to the operations that accept one.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
)

// ErrExhausted is returned when every attempt allowed by a Policy was used
// without success.
var ErrExhausted = errors.New("tally: retry attempts exhausted")

// errRetryable is passed to Backoff so delay functions that inspect the
// error see a non-nil value.
var errRetryable = errors.New("tally: attempt did not succeed")

// Backoff computes the delay before the next attempt. attempt starts at 1.
// *awsretry.ExponentialJitterBackoff satisfies it.
type Backoff interface {
	BackoffDelay(attempt int, err error) (time.Duration, error)
}

// BackoffFunc adapts a function to Backoff.
type BackoffFunc func(attempt int, err error) (time.Duration, error)

// BackoffDelay implements Backoff.
func (f BackoffFunc) BackoffDelay(attempt int, err error) (time.Duration, error) {
	return f(attempt, err)
}

// Constant waits d between attempts.
func Constant(d time.Duration) Backoff {
	return BackoffFunc(func(int, error) (time.Duration, error) { return d, nil })
}

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff computes the delay between attempts. Nil means no delay.
	Backoff Backoff
}

// DefaultPolicy allows five attempts with exponential jitter capped at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     awsretry.NewExponentialJitterBackoff(time.Second),
	}
}

// Once performs a single attempt.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Func is one attempt. It returns done=true when the operation succeeded,
// done=false to ask for another attempt, and a non-nil error to stop
// immediately.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Do runs fn until it reports done, returns an error, the attempts run
// out, or ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn Func) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w after %d attempts", ErrExhausted, attempt)
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay, err = p.Backoff.BackoffDelay(attempt, errRetryable)
			if err != nil {
				return fmt.Errorf("compute backoff: %w", err)
			}
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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
