// Package keypool implements per-route API key selection under concurrency
// limits: least-connections with round-robin tie-break, session stickiness,
// and 429-driven cooldown. Selection is lock-free; every counter is a
// sync/atomic field, never a mutex.
package keypool

import (
	"sync/atomic"
	"time"
)

const defaultCooldownSeconds = 60

// entry is the atomic state for one route's key pool.
type entry struct {
	active        []atomic.Int64
	cooldownUntil []atomic.Int64
	limit         int64 // 0 means unlimited
	cursor        atomic.Uint64
}

// Pool holds one entry per route index. Routes without a pool have a nil
// entry at their index and every operation on them is a no-op.
type Pool struct {
	entries []*entry
}

// New builds a Pool sized to len(keyCounts). keyCounts[i] is the number of
// keys for route i, or 0 if route i has no pool. limits[i] is that route's
// per-key concurrency cap, or 0 for unlimited.
func New(keyCounts []int, limits []int) *Pool {
	entries := make([]*entry, len(keyCounts))
	for i, k := range keyCounts {
		if k <= 0 {
			continue
		}
		e := &entry{
			active:        make([]atomic.Int64, k),
			cooldownUntil: make([]atomic.Int64, k),
			limit:         int64(limits[i]),
		}
		entries[i] = e
	}
	return &Pool{entries: entries}
}

func (p *Pool) at(routeIdx int) *entry {
	if routeIdx < 0 || routeIdx >= len(p.entries) {
		return nil
	}
	return p.entries[routeIdx]
}

// Acquire selects a key by least-connections with round-robin tie-break, as
// described by acquire() in the routing design: fetch-and-increment the
// cursor for a rotating start point, scan all k keys skipping cooldown,
// and take the one with the smallest active count strictly under the limit.
func (p *Pool) Acquire(routeIdx int) (int, bool) {
	e := p.at(routeIdx)
	if e == nil {
		return 0, false
	}
	return e.acquire(nil)
}

// AcquireSticky tries the key at sessionHash mod k first; if it is in
// cooldown or at its limit, falls through to Acquire.
func (p *Pool) AcquireSticky(routeIdx int, sessionHash uint64) (int, bool) {
	e := p.at(routeIdx)
	if e == nil {
		return 0, false
	}
	k := len(e.active)
	if k == 0 {
		return 0, false
	}
	i := int(sessionHash % uint64(k))
	now := time.Now().Unix()
	if e.cooldownUntil[i].Load() <= now {
		limit := e.limit
		if limit <= 0 {
			limit = 1<<63 - 1
		}
		for {
			cur := e.active[i].Load()
			if cur >= limit {
				break
			}
			if e.active[i].CompareAndSwap(cur, cur+1) {
				return i, true
			}
		}
	}
	return e.acquire(nil)
}

// AcquireExcluding behaves like Acquire but skips every index in excluded.
func (p *Pool) AcquireExcluding(routeIdx int, excluded map[int]bool) (int, bool) {
	e := p.at(routeIdx)
	if e == nil {
		return 0, false
	}
	return e.acquire(excluded)
}

func (e *entry) acquire(excluded map[int]bool) (int, bool) {
	k := len(e.active)
	if k == 0 {
		return 0, false
	}
	now := time.Now().Unix()
	offset := e.cursor.Add(1) - 1
	limit := e.limit
	if limit <= 0 {
		limit = 1<<63 - 1
	}

	winner := -1
	var winnerActive int64
	for j := 0; j < k; j++ {
		i := int((offset + uint64(j)) % uint64(k))
		if excluded != nil && excluded[i] {
			continue
		}
		if e.cooldownUntil[i].Load() > now {
			continue
		}
		a := e.active[i].Load()
		if a >= limit {
			continue
		}
		if winner == -1 || a < winnerActive {
			winner = i
			winnerActive = a
		}
	}
	if winner == -1 {
		return 0, false
	}
	e.active[winner].Add(1)
	return winner, true
}

// Release decrements the active count for key_idx on route_idx. A never-
// acquired key, an absent pool, or an out-of-range index are all tolerated
// no-ops.
func (p *Pool) Release(routeIdx, keyIdx int) {
	e := p.at(routeIdx)
	if e == nil || keyIdx < 0 || keyIdx >= len(e.active) {
		return
	}
	for {
		cur := e.active[keyIdx].Load()
		if cur <= 0 {
			return
		}
		if e.active[keyIdx].CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// SetCooldown places key_idx on route_idx into cooldown until now +
// retryAfterSeconds, or now + 60s when retryAfterSeconds is <= 0 (no
// parseable Retry-After header).
func (p *Pool) SetCooldown(routeIdx, keyIdx int, retryAfterSeconds int) {
	e := p.at(routeIdx)
	if e == nil || keyIdx < 0 || keyIdx >= len(e.cooldownUntil) {
		return
	}
	seconds := retryAfterSeconds
	if seconds <= 0 {
		seconds = defaultCooldownSeconds
	}
	e.cooldownUntil[keyIdx].Store(time.Now().Unix() + int64(seconds))
}

// Active reports the current in-flight count for key_idx on route_idx, for
// metrics export. Returns 0 for an absent pool or out-of-range index.
func (p *Pool) Active(routeIdx, keyIdx int) int64 {
	e := p.at(routeIdx)
	if e == nil || keyIdx < 0 || keyIdx >= len(e.active) {
		return 0
	}
	return e.active[keyIdx].Load()
}

// HasPool reports whether routeIdx has a configured key pool.
func (p *Pool) HasPool(routeIdx int) bool {
	return p.at(routeIdx) != nil
}

// Guard releases an acquired key exactly once when its owning response body
// ends. Attach it to the body lifetime, never release eagerly on headers
// received.
type Guard struct {
	pool     *Pool
	routeIdx int
	keyIdx   int
	released atomic.Bool
}

// NewGuard wraps an acquired key index in a Guard bound to pool/routeIdx.
func NewGuard(pool *Pool, routeIdx, keyIdx int) *Guard {
	return &Guard{pool: pool, routeIdx: routeIdx, keyIdx: keyIdx}
}

// KeyIndex returns the acquired key index this guard owns.
func (g *Guard) KeyIndex() int { return g.keyIdx }

// Release decrements the owned key's active count exactly once; subsequent
// calls are no-ops, so a guard can be released defensively from both a
// normal-completion path and a deferred cleanup path.
func (g *Guard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.pool.Release(g.routeIdx, g.keyIdx)
	}
}
