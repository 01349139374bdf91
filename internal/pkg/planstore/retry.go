package planstore

import (
	"context"
	"errors"
	"time"
)

// RetryBackoff is the wait before each retry of a lost race.
var RetryBackoff = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond}

// RetryOnConflict runs fn and retries it while it fails with
// ErrConcurrentModification, waiting RetryBackoff between attempts.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	err := fn()
	for _, wait := range RetryBackoff {
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = fn()
	}
	return err
}
