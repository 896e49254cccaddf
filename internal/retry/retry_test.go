package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPoll_succeedsOnThirdAttempt(t *testing.T) {
	calls := 0
	res := Poll(context.Background(), Policy{Attempts: 5, Interval: time.Millisecond}, func(context.Context) (string, bool, error) {
		calls++
		if calls < 3 {
			return "", false, errors.New("not yet")
		}
		return "row", true, nil
	})
	if res.Outcome != Succeeded || res.Value != "row" {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d", res.Attempts, calls)
	}
	if res.Err != nil {
		t.Errorf("err = %v, want nil", res.Err)
	}
}

func TestPoll_exhausted(t *testing.T) {
	lastErr := errors.New("missing row")
	calls := 0
	res := Poll(context.Background(), Policy{Attempts: 5, Interval: time.Millisecond}, func(context.Context) (int, bool, error) {
		calls++
		return 0, false, lastErr
	})
	if res.Outcome != Exhausted || res.OK() {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if !errors.Is(res.Err, lastErr) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestPoll_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	res := Poll(ctx, Policy{Attempts: 5, Interval: 50 * time.Millisecond}, func(context.Context) (int, bool, error) {
		calls++
		cancel()
		return 0, false, nil
	})
	if res.Outcome != Canceled {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestPoll_initialDelay(t *testing.T) {
	start := time.Now()
	res := Poll(context.Background(), Policy{Attempts: 1, Interval: 30 * time.Millisecond, InitialDelay: true}, func(context.Context) (bool, bool, error) {
		return true, true, nil
	})
	if !res.OK() {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the interval", elapsed)
	}
}
