// Package workers splits per-file work across a fixed number of goroutines.
package workers

import (
	"context"
	"sync"
)

// ForEach calls fn for every index in [0, n), dividing the range into
// contiguous chunks, one per core. It returns once all calls finished.
// Indices not yet started when ctx is cancelled are skipped.
func ForEach(ctx context.Context, n, numCores int, fn func(i int)) {
	if n == 0 {
		return
	}
	if numCores < 1 {
		numCores = 1
	}
	if numCores > n {
		numCores = n
	}

	perCore := (n + numCores - 1) / numCores

	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * perCore
		if start >= n {
			break
		}
		end := start + perCore
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if ctx.Err() != nil {
					return
				}
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
