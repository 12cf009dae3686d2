package riva

import (
	"context"
	"fmt"
	"time"
)

// within runs call and stops waiting after timeout or when ctx ends. The call itself keeps
// running; callers cancel its context to release it.
func within[T any](ctx context.Context, timeout time.Duration, call func() (T, error)) (T, error) {
	if timeout <= 0 {
		return call()
	}
	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call()
		done <- outcome{v, err}
	}()

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-time.After(timeout):
		return zero, fmt.Errorf("timed out after %s", timeout)
	case o := <-done:
		return o.value, o.err
	}
}
