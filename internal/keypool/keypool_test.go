package keypool

import "testing"

func TestAcquireLeastConnectionsThreeKeysLimitOne(t *testing.T) {
	p := New([]int{3}, []int{1})

	var got []int
	for i := 0; i < 3; i++ {
		idx, ok := p.Acquire(0)
		if !ok {
			t.Fatalf("acquire %d: expected a key, got none", i)
		}
		got = append(got, idx)
	}
	want := []int{0, 1, 2}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("acquire %d = %d, want %d", i, got[i], w)
		}
	}

	if _, ok := p.Acquire(0); ok {
		t.Error("fourth acquire: expected none, pool is exhausted")
	}

	p.Release(0, 0)
	idx, ok := p.Acquire(0)
	if !ok || idx != 0 {
		t.Errorf("acquire after release(0) = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestCooldownExclusion(t *testing.T) {
	p := New([]int{3}, []int{0})
	p.SetCooldown(0, 0, 0)

	idx, ok := p.Acquire(0)
	if !ok {
		t.Fatal("expected an acquire to succeed")
	}
	if idx == 0 {
		t.Errorf("acquire returned cooling-down key 0")
	}
}

func TestReleaseIsToleratedOnNeverAcquiredKey(t *testing.T) {
	p := New([]int{2}, []int{0})
	p.Release(0, 1) // never acquired
	p.Release(0, 99) // out of range
	p.Release(5, 0)  // no pool at this route
	if got := p.Active(0, 1); got != 0 {
		t.Errorf("active after no-op releases = %d, want 0", got)
	}
}

func TestNoPoolReturnsNone(t *testing.T) {
	p := New([]int{0}, []int{0})
	if _, ok := p.Acquire(0); ok {
		t.Error("expected no acquire for a route with no pool")
	}
	if p.HasPool(0) {
		t.Error("expected HasPool false for an empty pool")
	}
}

func TestAcquireStickyFallsThroughWhenCandidateBusy(t *testing.T) {
	p := New([]int{2}, []int{1})
	// Saturate key 0 directly.
	if idx, ok := p.Acquire(0); !ok || idx != 0 {
		t.Fatalf("priming acquire = (%d, %v)", idx, ok)
	}
	// session hash 0 maps to key 0, which is now full; must fall through.
	idx, ok := p.AcquireSticky(0, 0)
	if !ok {
		t.Fatal("expected sticky fallthrough to find key 1")
	}
	if idx != 1 {
		t.Errorf("sticky fallthrough acquired %d, want 1", idx)
	}
}

func TestAcquireStickyTakesCandidateWhenFree(t *testing.T) {
	p := New([]int{3}, []int{1})
	idx, ok := p.AcquireSticky(0, 2)
	if !ok || idx != 2 {
		t.Errorf("sticky acquire = (%d, %v), want (2, true)", idx, ok)
	}
}

func TestGuardReleasesExactlyOnce(t *testing.T) {
	p := New([]int{1}, []int{1})
	idx, ok := p.Acquire(0)
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	g := NewGuard(p, 0, idx)
	if got := p.Active(0, idx); got != 1 {
		t.Fatalf("active before release = %d, want 1", got)
	}
	g.Release()
	g.Release() // must be idempotent
	if got := p.Active(0, idx); got != 0 {
		t.Errorf("active after release = %d, want 0", got)
	}
}

func TestAcquireExcludingSkipsGivenIndices(t *testing.T) {
	p := New([]int{3}, []int{0})
	idx, ok := p.AcquireExcluding(0, map[int]bool{0: true, 1: true})
	if !ok || idx != 2 {
		t.Errorf("acquire excluding {0,1} = (%d, %v), want (2, true)", idx, ok)
	}
}

func Test429RetryPathReleasesAndCoolsDown(t *testing.T) {
	p := New([]int{2}, []int{0})
	idx0, ok := p.Acquire(0)
	if !ok || idx0 != 0 {
		t.Fatalf("first acquire = (%d, %v), want (0, true)", idx0, ok)
	}
	// Simulate a 429 with Retry-After: 5 on key 0.
	p.SetCooldown(0, 0, 5)
	p.Release(0, 0)

	tried := map[int]bool{0: true}
	idx1, ok := p.AcquireExcluding(0, tried)
	if !ok || idx1 != 1 {
		t.Errorf("retry acquire = (%d, %v), want (1, true)", idx1, ok)
	}
}
