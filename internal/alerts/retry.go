package alerts

import (
	"context"
	"fmt"
	"time"
)

// callStore runs fn under a per-attempt timeout, retrying immediately up to
// retries extra times. The parent's cancellation is ignored so commits
// started before the cycle deadline can finish. Errors are wrapped with
// ErrStoreUnavailable.
func callStore(parent context.Context, timeout time.Duration, retries int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return storeErr(err)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
