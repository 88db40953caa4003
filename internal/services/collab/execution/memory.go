package execution

import (
	"context"
	"errors"
	"runtime"
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

const (
	heapObjectsMetric    = "/memory/classes/heap/objects:bytes"
	memorySampleInterval = 10 * time.Millisecond
)

var errMemoryBudget = errors.New("execution memory budget exceeded")

// heapObjectBytes returns the bytes held by heap objects, reachable or not
// yet swept.
func heapObjectBytes() int64 {
	sample := []rtmetrics.Sample{{Name: heapObjectsMetric}}
	rtmetrics.Read(sample)
	if sample[0].Value.Kind() != rtmetrics.KindUint64 {
		return 0
	}
	return int64(sample[0].Value.Uint64())
}

// watchMemory samples the heap while a run is active and cancels it with
// errMemoryBudget once growth since the start passes budget. Growth is
// confirmed after a forced collection so short-lived garbage is not charged
// to the run. The returned func stops the watchdog and waits for it.
//
// The heap is process-wide: concurrent runs share one view of it.
func watchMemory(ctx context.Context, cancel context.CancelCauseFunc, budget int64) func() {
	if budget <= 0 {
		return func() {}
	}
	baseline := heapObjectBytes()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if heapObjectBytes()-baseline <= budget {
				continue
			}
			runtime.GC()
			current := heapObjectBytes()
			if current-baseline > budget {
				cancel(errMemoryBudget)
				return
			}
			baseline = min(baseline, current)
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
