// Package accountsem implements the per-route account semaphore: a bounded
// concurrency cap orthogonal to key-pool size. A route with no configured
// capacity takes no permit at all.
package accountsem

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// AcquireTimeout bounds how long a caller waits for a permit. It is not a
// latency SLO -- individual streaming requests legitimately run for hours --
// it exists only as a backstop against deadlock.
const AcquireTimeout = 500 * time.Minute

// ErrTimeout is returned by Acquire when the wait exceeds AcquireTimeout.
var ErrTimeout = errors.New("account semaphore: acquire timed out")

// Registry holds one semaphore per route index. Routes with no configured
// concurrency cap have a nil entry and Acquire on them is always an
// immediate no-op success.
type Registry struct {
	sems []*semaphore.Weighted
}

// New builds a Registry sized to len(capacities); capacities[i] <= 0 means
// route i is uncapped.
func New(capacities []int) *Registry {
	sems := make([]*semaphore.Weighted, len(capacities))
	for i, c := range capacities {
		if c > 0 {
			sems[i] = semaphore.NewWeighted(int64(c))
		}
	}
	return &Registry{sems: sems}
}

// Guard releases an acquired permit exactly once. A Guard for an uncapped
// route is a valid no-op value.
type Guard struct {
	sem      *semaphore.Weighted
	released bool
}

// Release returns the permit, if one was taken. Safe to call multiple times.
func (g *Guard) Release() {
	if g == nil || g.sem == nil || g.released {
		return
	}
	g.released = true
	g.sem.Release(1)
}

// Acquire waits for a permit on routeIdx, bounded by AcquireTimeout. Returns
// a Guard to release it and owns no permit (valid zero value) when the route
// has no configured capacity.
func (r *Registry) Acquire(ctx context.Context, routeIdx int) (*Guard, error) {
	if routeIdx < 0 || routeIdx >= len(r.sems) || r.sems[routeIdx] == nil {
		return &Guard{}, nil
	}
	sem := r.sems[routeIdx]

	waitCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return &Guard{sem: sem}, nil
}
