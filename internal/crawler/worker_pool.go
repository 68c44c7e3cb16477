package crawler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// WorkerPool runs a fixed number of workers that pull their own work.
type WorkerPool struct {
	size int
}

// NewWorkerPool creates a pool with the given concurrency.
func NewWorkerPool(concurrency int) (*WorkerPool, error) {
	if concurrency <= 0 {
		return nil, errors.New("worker pool requires positive concurrency")
	}
	return &WorkerPool{size: concurrency}, nil
}

// Size reports the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Run starts every worker and waits for all of them to return. The first
// worker error cancels the context passed to the others.
func (p *WorkerPool) Run(ctx context.Context, worker func(ctx context.Context, id int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for id := range p.size {
		g.Go(func() error {
			return worker(gctx, id)
		})
	}
	return g.Wait()
}
