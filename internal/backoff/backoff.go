// Package backoff provides jittered exponential delays for retry loops
// around provider calls and job polling.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned by Retry once every attempt has failed
// with a retryable error.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy describes how the delay grows between attempts.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Default is the policy used by the LLM providers: 1s doubling up to 30s
// with 10% jitter.
func Default() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Quick suits tight polling loops: 50ms growing gently to 5s.
func Quick() Policy {
	return Policy{Initial: 50 * time.Millisecond, Max: 5 * time.Second, Factor: 1.5, Jitter: 0.05}
}

// Delay computes the pause before the given attempt. Attempts are
// 1-indexed; attempt 1 waits Initial.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// delayWithRand takes the random sample as a parameter so tests can pin it.
func (p Policy) delayWithRand(attempt int, sample float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*sample)
	return time.Duration(total)
}

// Sleep pauses for d, returning early with ctx.Err() on cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Wait sleeps for the policy's delay at the given attempt.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	return Sleep(ctx, p.Delay(attempt))
}

// Retry runs op up to attempts times, pausing per the policy between
// failures. A nil retryable treats every error as transient; otherwise a
// non-retryable error is returned immediately. When all attempts fail the
// last error is returned wrapped with ErrAttemptsExhausted.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts {
			if err := p.Wait(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
