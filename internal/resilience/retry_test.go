package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Key{"medium", "read"}, DefaultSettings(), nil)
	r := NewRetrier(DefaultRetryPolicy()).WithSleep(noSleep)

	calls := 0
	got, err := Call(context.Background(), r, b, "medium.read", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errBackend
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("Call() = %q after %d calls, want ok after 3", got, calls)
	}
}

func TestCall_InvalidInputNotRetried(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Key{"medium", "write"}, DefaultSettings(), nil)
	r := NewRetrier(DefaultRetryPolicy()).WithSleep(noSleep)

	calls := 0
	_, err := Call(context.Background(), r, b, "medium.write", func(context.Context) (int, error) {
		calls++
		return 0, InvalidInput("medium.write", errors.New("kind required"))
	})
	if !IsInvalidInput(err) {
		t.Fatalf("Call() error = %v, want InvalidInput", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestCall_StopsWhenCircuitOpens(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Key{"durable", "read"}, Settings{FailureThreshold: 2, ResetTimeout: time.Minute}, nil)
	r := NewRetrier(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2}).WithSleep(noSleep)

	calls := 0
	_, err := Call(context.Background(), r, b, "durable.read", func(context.Context) (int, error) {
		calls++
		return 0, errBackend
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Call() error = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Fatalf("store calls = %d, want 2", calls)
	}
}

func TestCall_AbandonsSlowCallOnDeadline(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Key{"medium", "read"}, DefaultSettings(), nil)
	r := NewRetrier(RetryPolicy{MaxAttempts: 1})

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Call(ctx, r, b, "medium.read", func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if k, ok := KindOf(err); !ok || k != KindTimeout {
		t.Fatalf("Call() error = %v, want Timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Call() blocked past its deadline")
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 1 {
		t.Fatalf("breaker failures = %d, want 1", got)
	}
}

func TestCall_CallerCancellationLeavesBreakerClosed(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Key{"durable", "read"}, Settings{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	r := NewRetrier(RetryPolicy{MaxAttempts: 3}).WithSleep(noSleep)

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	calls := 0
	_, err := Call(ctx, r, b, "durable.read", func(context.Context) (int, error) {
		calls++
		close(started)
		<-release
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, cancellation must not be retried", calls)
	}
	if b.State() != StateClosed || b.Snapshot().ConsecutiveFailures != 0 {
		t.Fatalf("breaker = %+v after cancellation, want closed with no failures", b.Snapshot())
	}

	got, err := Call(context.Background(), r, b, "durable.read", func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("Call() after cancellation = %d, %v", got, err)
	}
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	if d := p.Delay(1); d != 100*time.Millisecond {
		t.Fatalf("Delay(1) = %s", d)
	}
	if d := p.Delay(2); d != 200*time.Millisecond {
		t.Fatalf("Delay(2) = %s", d)
	}
	if d := p.Delay(5); d != 300*time.Millisecond {
		t.Fatalf("Delay(5) = %s, want cap", d)
	}

	p.Jitter = 0.5
	for range 50 {
		if d := p.Delay(1); d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered Delay(1) = %s out of range", d)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	if k, _ := KindOf(Classify("op", context.DeadlineExceeded)); k != KindTimeout {
		t.Fatalf("deadline classified as %s", k)
	}
	if !errors.Is(Classify("op", context.Canceled), context.Canceled) {
		t.Fatal("cancellation should pass through")
	}
	if _, ok := KindOf(Classify("op", context.Canceled)); ok {
		t.Fatal("cancellation should not be classified")
	}
	if !IsTransient(Classify("op", errBackend)) {
		t.Fatal("raw backend error should be transient")
	}
}
