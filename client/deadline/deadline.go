// Package deadline bounds a remote call with a deadline.
//
// The call receives a context carrying the deadline, so cancellable calls
// stop when it passes. Calls that ignore their context are raced: Run returns
// a NetworkTimeout at the deadline and the late result is dropped.
package deadline

import (
	"context"
	"errors"
	"time"

	"chat-sync/client/storeerr"
)

type result[T any] struct {
	val T
	err error
}

// Run executes fn with a deadline of d. On expiry it returns a
// storeerr.NetworkTimeout error. If ctx itself is cancelled first, ctx.Err()
// is returned so callers can tell a torn-down view from a slow store.
func Run[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	// buffered so a late finisher never blocks
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, timeoutErr(d, r.err)
		}
		return r.val, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, timeoutErr(d, callCtx.Err())
	}
}

// Do is Run for calls without a result value.
func Do(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := Run(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func timeoutErr(d time.Duration, cause error) error {
	return &storeerr.Error{
		Kind:    storeerr.NetworkTimeout,
		Message: "no response within " + d.String(),
		Err:     cause,
	}
}
