// Package retry implements the retrying call shared by every client that talks
// to an external service.
//
// An operation reports one of three outcomes through its error:
//   - a *RateLimitError: the server throttled us; wait RetryAfter and try again,
//     counted against Policy.MaxRateLimitWaits,
//   - an error wrapped with Permanent: give up immediately,
//   - any other error: transient, retried with Policy.Backoff up to
//     Policy.MaxAttempts attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// DefaultRetryAfter is used when a 429 response carries no usable Retry-After.
const DefaultRetryAfter = time.Second

// RateLimitError signals an HTTP 429 (or an equivalent API error code).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ParseRetryAfter reads a Retry-After header value given in seconds or as an
// HTTP date. Missing or unparsable values yield DefaultRetryAfter.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when the rate-limit wait budget runs out.
type ExhaustedError struct {
	Waits int
	Err   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("still rate limited after %d waits: %v", e.Waits, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy bounds how an operation is retried.
type Policy struct {
	// MaxAttempts caps attempts that end in a transient error (min 1).
	MaxAttempts int
	// MaxRateLimitWaits caps how many times a 429 is waited out.
	MaxRateLimitWaits int
	// Backoff returns the pause after the n-th failed attempt (0-based).
	Backoff func(n int) time.Duration
	// MaxRetryAfter caps a single server-requested wait. Zero means no cap.
	MaxRetryAfter time.Duration
}

// Exponential returns a backoff of base * 2^n.
func Exponential(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(n)))
	}
}

// Do runs op until it succeeds, fails permanently, or exhausts the policy.
// Waits honour ctx cancellation.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff == nil {
		backoff = Exponential(time.Second)
	}

	attempts, waits := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var delay time.Duration
		var rl *RateLimitError
		if errors.As(err, &rl) {
			waits++
			if waits > p.MaxRateLimitWaits {
				return &ExhaustedError{Waits: p.MaxRateLimitWaits, Err: err}
			}
			delay = rl.RetryAfter
			if p.MaxRetryAfter > 0 && delay > p.MaxRetryAfter {
				delay = p.MaxRetryAfter
			}
		} else {
			attempts++
			if attempts >= maxAttempts {
				return err
			}
			delay = backoff(attempts - 1)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
