package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelayGrowth(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // clamped to Max
		{0, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestPolicyDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: time.Hour, Factor: 2, Jitter: 0.5}

	low := p.delayWithRand(1, 0)
	high := p.delayWithRand(1, 1)
	if low != 100*time.Millisecond {
		t.Errorf("zero-sample delay = %v, want 100ms", low)
	}
	if high != 150*time.Millisecond {
		t.Errorf("full-sample delay = %v, want 150ms", high)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	calls := 0

	err := Retry(context.Background(), p, 5, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	fatal := errors.New("bad request")
	calls := 0

	err := Retry(context.Background(), p, 5, func(err error) bool { return false }, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("Retry() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	transient := errors.New("still down")

	err := Retry(context.Background(), p, 3, nil, func() error { return transient })
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("Retry() error = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, transient) {
		t.Errorf("Retry() error should wrap the last failure, got %v", err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	p := Policy{Initial: time.Minute, Max: time.Minute, Factor: 1}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, p, 3, nil, func() error { return errors.New("transient") })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) error = %v, want nil", err)
	}
}
