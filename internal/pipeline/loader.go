package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/theirongolddev/telreport/internal/source"
)

// ProgressFunc is called during loading to report progress.
// current is the number of files processed so far, total is the total count.
type ProgressFunc func(current, total int)

// Load parses files with a bounded worker pool. Each worker writes only its
// own result slot, so results come back in input order. A file that fails
// carries its error in the result and never stops the others.
func Load(ctx context.Context, files []source.DiscoveredFile, workers int, progressFn ProgressFunc) []source.ParseResult {
	if len(files) == 0 {
		return nil
	}

	numWorkers := workers
	if numWorkers < 1 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers < 1 {
		numWorkers = 4
	}
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	work := make(chan int, len(files))
	results := make([]source.ParseResult, len(files))
	var wg sync.WaitGroup
	var processed atomic.Int64

	// Feed work
	for i := range files {
		work <- i
	}
	close(work)

	// Spawn workers
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for idx := range work {
				if err := ctx.Err(); err != nil {
					results[idx] = source.ParseResult{File: files[idx], Err: err}
				} else {
					results[idx] = source.ParseFile(ctx, files[idx])
				}
				n := processed.Add(1)
				if progressFn != nil {
					progressFn(int(n), len(files))
				}
			}
		}()
	}

	wg.Wait()
	return results
}
