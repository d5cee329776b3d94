package replicator

import (
	"context"
	"math/rand/v2"
	"time"
)

// retryDelay computes the pause before the given retry (1-based): base
// doubled per retry with a ±jitterPct% spread, clamped to limit. Jitter
// decorrelates the retry storm when one broker outage fails many pipelines
// at the same instant.
func retryDelay(retry int, base, limit time.Duration, jitterPct int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if base <= 0 {
		return 0
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= limit {
			break
		}
	}
	if limit > 0 && d > limit {
		d = limit
	}

	if jitterPct > 0 {
		spread := int64(d) * int64(jitterPct) / 100
		if spread > 0 {
			d += time.Duration(rand.Int64N(2*spread+1) - spread)
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sleep pauses for d or until the context ends, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
