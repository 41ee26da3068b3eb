package internal

import (
	"context"
	"math/rand"
	"time"
)

// RetryBackoff returns an exponential backoff with jitter for the given
// retry attempt, capped at maxBackoff.
func RetryBackoff(retry int, minBackoff, maxBackoff time.Duration) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if minBackoff == 0 {
		return 0
	}

	d := minBackoff << uint(retry)
	if d < minBackoff {
		d = minBackoff
	}

	d += time.Duration(rand.Int63n(int64(d)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Sleep waits for the duration unless the context is cancelled first.
func Sleep(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
