package qlt

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// An Executor runs the per-node loops of one tree level.
//
// Iterations of a loop touch disjoint data, so they may
// run in any order or concurrently, but ForEach must not
// return before every iteration has finished.
type Executor interface {
	ForEach(n int, f func(i int))
}

// SerialExecutor runs every iteration on the calling
// Goroutine.
type SerialExecutor struct{}

// ForEach calls f(0), ..., f(n-1) in order.
func (SerialExecutor) ForEach(n int, f func(i int)) {
	for i := 0; i < n; i++ {
		f(i)
	}
}

// ParallelExecutor splits loops into contiguous chunks
// and runs the chunks on a pool of Goroutines.
type ParallelExecutor struct {
	// Workers is the maximum number of Goroutines.
	// If 0, runtime.GOMAXPROCS(0) is used.
	Workers int

	// MinChunk is the smallest number of iterations worth
	// handing to a Goroutine. Loops shorter than this run
	// serially.
	MinChunk int
}

// ForEach runs f for every i in [0, n).
func (p ParallelExecutor) ForEach(n int, f func(i int)) {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	minChunk := p.MinChunk
	if minChunk <= 0 {
		minChunk = 1
	}
	if workers == 1 || n <= minChunk {
		SerialExecutor{}.ForEach(n, f)
		return
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				f(i)
			}
			return nil
		})
	}
	g.Wait()
}
