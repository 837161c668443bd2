package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sem/internal/core"
)

// ParallelRunner runs simulations on a bounded pool of workers.
//
// Runs complete in any order, but onResult is always invoked from the
// calling goroutine, one result at a time. The first failing run cancels
// the rest of the batch; runs already delivered stay delivered.
type ParallelRunner struct {
	*SimulationRunner
}

// NewParallelRunner returns a parallel runner for script in the simulator
// tree at path. WithWorkers bounds concurrency; it defaults to the CPU count.
func NewParallelRunner(path, script string, opts ...Option) *ParallelRunner {
	return &ParallelRunner{SimulationRunner: NewSimulationRunner(path, script, opts...)}
}

// Workers returns the size of the worker pool.
func (r *ParallelRunner) Workers() int { return r.opts.workers }

func (r *ParallelRunner) RunSimulations(ctx context.Context, list []core.Params, dataDir string, onResult ResultFunc) error {
	exe, err := r.executor()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan core.Params)
	results := make(chan core.Result)

	g.Go(func() error {
		defer close(jobs)
		for _, p := range list {
			select {
			case jobs <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	workers := r.opts.workers
	if workers > len(list) {
		workers = len(list)
	}
	r.opts.logger.Debug("starting worker pool", zap.Int("workers", workers), zap.Int("simulations", len(list)))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for p := range jobs {
				res, err := r.runOne(gctx, exe, p, dataDir)
				if err != nil {
					return err
				}
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var deliverErr error
	for res := range results {
		if deliverErr != nil {
			continue
		}
		if err := onResult(res); err != nil {
			deliverErr = err
			cancel()
		}
	}

	runErr := g.Wait()
	if deliverErr != nil {
		return deliverErr
	}
	return runErr
}
