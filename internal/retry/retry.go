// Package retry polls an operation a bounded number of times with a fixed
// interval between attempts.
package retry

import (
	"context"
	"time"
)

// Outcome is how a Poll ended.
type Outcome int

const (
	// Succeeded means fn reported done before attempts ran out.
	Succeeded Outcome = iota
	// Exhausted means every attempt ran without fn reporting done.
	Exhausted
	// Canceled means ctx ended before fn reported done.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

// Policy bounds a Poll.
type Policy struct {
	Attempts int
	Interval time.Duration
	// InitialDelay sleeps Interval before the first attempt too.
	InitialDelay bool
}

// Result is the final state of a Poll. Value is the value returned by the
// successful attempt; Err is the error of the last attempt, if any.
type Result[T any] struct {
	Value    T
	Outcome  Outcome
	Attempts int
	Err      error
}

// OK reports whether the poll succeeded.
func (r Result[T]) OK() bool { return r.Outcome == Succeeded }

// Poll calls fn until it reports done, the attempts run out, or ctx ends.
// An error from fn does not stop polling; it is kept as Result.Err.
func Poll[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, bool, error)) Result[T] {
	var res Result[T]
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 || p.InitialDelay {
			if !sleep(ctx, p.Interval) {
				res.Outcome = Canceled
				res.Err = ctx.Err()
				return res
			}
		}

		res.Attempts = attempt
		v, done, err := fn(ctx)
		res.Err = err
		if done {
			res.Value = v
			res.Outcome = Succeeded
			return res
		}
	}
	res.Outcome = Exhausted
	return res
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
