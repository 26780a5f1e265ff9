package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool runs one worker per stream over a partitioned agent list, fork-join.
// No worker depends on another's output; results are concatenated in
// stream order after every worker has joined.
type Pool struct {
	workers []*Worker
}

// NewPool wraps already-built workers.
func NewPool(workers []*Worker) *Pool {
	return &Pool{workers: workers}
}

// Run partitions agentIDs across the workers, starts them together, waits
// for all of them, and returns every result in stream order. The stop flag
// is honored inside each worker between agents.
func (p *Pool) Run(ctx context.Context, agentIDs []string, snap *Snapshot, stop *atomic.Bool) []Result {
	buckets := Partition(agentIDs, len(p.workers))

	perStream := make([][]Result, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			perStream[i] = w.Run(ctx, buckets[i], snap, stop)
		}(i, w)
	}
	wg.Wait()

	var all []Result
	for _, rs := range perStream {
		all = append(all, rs...)
	}
	return all
}
