package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errTransient = errors.New("transient error")
var errPermanent = errors.New("permanent error")

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

// recordSleep captures requested delays without waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), Config{MaxAttempts: 3}, isTransient, nil, func() (int, error) {
		calls++
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 || calls != 1 {
		t.Errorf("expected 42 after 1 call, got %d after %d", result, calls)
	}
}

func TestDo_RetriesOnTransientError(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     time.Second,
		Sleep:          recordSleep(&delays),
	}

	calls := 0
	result, err := Do(context.Background(), cfg, isTransient, nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("expected ok after 3 calls, got %q after %d", result, calls)
	}
	if len(delays) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(delays))
	}
}

func TestDo_FailsImmediatelyOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{MaxAttempts: 5}, isTransient, nil, func() (int, error) {
		calls++
		return 0, errPermanent
	})

	if !errors.Is(err, errPermanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_AttemptsBoundedAndDelaysNonDecreasing(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:    6,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Sleep:          recordSleep(&delays),
	}

	var retried []int
	calls := 0
	_, err := Do(context.Background(), cfg, isTransient, func(attempt int, err error, d time.Duration) {
		retried = append(retried, attempt)
	}, func() (int, error) {
		calls++
		return 0, errTransient
	})

	if !errors.Is(err, errTransient) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
	if calls != 6 {
		t.Errorf("expected exactly 6 attempts, got %d", calls)
	}
	if len(retried) != 5 {
		t.Errorf("expected 5 retry callbacks, got %d", len(retried))
	}

	want := []time.Duration{100, 200, 400, 500, 500}
	for i, d := range delays {
		if d != want[i]*time.Millisecond {
			t.Errorf("delay %d = %v, want %v", i, d, want[i]*time.Millisecond)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay %d decreased: %v < %v", i, d, delays[i-1])
		}
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, Config{MaxAttempts: 5, InitialBackoff: time.Hour}, isTransient, nil, func() (int, error) {
		calls++
		return 0, errTransient
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestNewBackOff_Stops(t *testing.T) {
	b := NewBackOff(Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	if d := b.NextBackOff(); d != time.Millisecond {
		t.Errorf("expected 1ms, got %v", d)
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Errorf("expected Stop, got %v", d)
	}
}
