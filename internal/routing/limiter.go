package routing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// admission caps in-flight requests. Requests beyond the cap wait, each up
// to its own deadline, as long as no more than queueLimit are already
// waiting; beyond that they fail fast with ErrBackpressure.
type admission struct {
	sem        *semaphore.Weighted
	queueLimit int64
	waiting    atomic.Int64
	inFlight   atomic.Int64
}

func newAdmission(maxInFlight, queueLimit int) *admission {
	if maxInFlight <= 0 {
		maxInFlight = 256
	}
	if queueLimit < 0 {
		queueLimit = 0
	}
	return &admission{
		sem:        semaphore.NewWeighted(int64(maxInFlight)),
		queueLimit: int64(queueLimit),
	}
}

// acquire returns a release func and how long the caller queued.
func (a *admission) acquire(ctx context.Context, maxWait time.Duration) (func(), time.Duration, error) {
	if a.sem.TryAcquire(1) {
		return a.admitted(), 0, nil
	}
	if a.waiting.Add(1) > a.queueLimit {
		a.waiting.Add(-1)
		return nil, 0, ErrBackpressure
	}
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, maxWait)
	err := a.sem.Acquire(wctx, 1)
	cancel()
	a.waiting.Add(-1)
	waited := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, waited, ctx.Err()
		}
		return nil, waited, fmt.Errorf("%w: queued %s without a slot", ErrBackpressure, waited.Round(time.Millisecond))
	}
	return a.admitted(), waited, nil
}

func (a *admission) admitted() func() {
	a.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			a.inFlight.Add(-1)
			a.sem.Release(1)
		}
	}
}
