// Package scanloop runs periodic background scans at a jittered cadence so
// that independent loops do not fire in lockstep.
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared probe cadence.
	DefaultMinInterval = 15 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// NextInterval returns minInterval + random([0, jitterRange)).
func NextInterval(minInterval, jitterRange time.Duration) time.Duration {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange <= 0 {
		return minInterval
	}
	return minInterval + time.Duration(rand.Int64N(int64(jitterRange)))
}

// Run executes fn at a jittered interval until ctx is done. fn receives ctx
// and is never invoked concurrently with itself.
func Run(ctx context.Context, minInterval, jitterRange time.Duration, fn func(context.Context)) {
	timer := time.NewTimer(NextInterval(minInterval, jitterRange))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(ctx)
		timer.Reset(NextInterval(minInterval, jitterRange))
	}
}
