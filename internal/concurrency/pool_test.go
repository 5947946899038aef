package concurrency

import (
	"sync/atomic"
	"testing"
)

func TestRunBoundedRunsEveryIndex(t *testing.T) {
	n := 50
	seen := make([]int32, n)
	RunBounded(n, 4, func(i int) {
		atomic.AddInt32(&seen[i], 1)
	})
	for i, v := range seen {
		if v != 1 {
			t.Errorf("index %d ran %d times, want 1", i, v)
		}
	}
}

func TestRunBoundedRespectsMaxParallel(t *testing.T) {
	var current, peak int32
	RunBounded(20, 3, func(i int) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
	})
	if peak > 3 {
		t.Errorf("observed %d concurrent workers, want at most 3", peak)
	}
}

func TestRunBoundedZeroOrNegativeMeansUnbounded(t *testing.T) {
	var count int32
	RunBounded(10, 0, func(i int) { atomic.AddInt32(&count, 1) })
	if count != 10 {
		t.Errorf("expected all 10 tasks to run, got %d", count)
	}
}

func TestRunSequentialRunsInOrder(t *testing.T) {
	var order []int
	RunSequential(5, func(i int) { order = append(order, i) })
	for i, v := range order {
		if v != i {
			t.Fatalf("expected sequential order, got %v", order)
		}
	}
}
