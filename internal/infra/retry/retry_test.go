package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts uint64) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("downstream unavailable")

	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return wantErr
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoSucceedsMidway(t *testing.T) {
	calls := 0

	err := Do(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("bad request")

	err := Do(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(wantErr)
	})

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastPolicy(3), func(context.Context) error {
		return errors.New("transient")
	})

	if err == nil {
		t.Fatal("expected error after cancellation")
	}
}
