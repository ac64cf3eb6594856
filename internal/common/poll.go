package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollFunc is one status check. done=true stops polling successfully;
// a non-nil error stops polling with that error.
type PollFunc func(ctx context.Context) (done bool, err error)

var errNotDone = errors.New("not done")

// Poll runs check every interval until it reports done, fails, or the deadline passes.
// Exhausting the deadline (or the parent context's deadline) yields a Timeout error.
func Poll(ctx context.Context, interval, deadline time.Duration, check PollFunc) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	op := func() error {
		done, err := check(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !done {
			return errNotDone
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errNotDone):
		return E(KindTimeout, "poll", fmt.Errorf("no result within %v", deadline))
	default:
		return err
	}
}
