package accountsem

import (
	"context"
	"testing"
	"time"
)

func TestUncappedRouteNeverBlocks(t *testing.T) {
	r := New([]int{0})
	g, err := r.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.Release()
	g.Release() // idempotent
}

func TestCappedRouteBlocksAtCapacity(t *testing.T) {
	r := New([]int{1})
	g1, err := r.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, 0)
	if err == nil {
		t.Fatal("second acquire on a full semaphore should not have succeeded")
	}

	g1.Release()
	g2, err := r.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	g2.Release()
}

func TestOutOfRangeRouteIsNoOp(t *testing.T) {
	r := New([]int{1})
	g, err := r.Acquire(context.Background(), 5)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	g.Release()
}
