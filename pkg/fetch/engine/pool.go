package engine

import (
	"context"
	"sync"
)

// RunAll feeds tasks through a bounded worker pool and returns results in
// completion order. A failed task never aborts the pool; the run always
// drains, then the index is checkpointed.
func (e *Engine) RunAll(ctx context.Context, tasks []Task) []Result {
	workerCount := e.cfg.Workers
	if workerCount > len(tasks) && len(tasks) > 0 {
		workerCount = len(tasks)
	}

	feed := make(chan Task, workerCount*2)
	out := make(chan Result, workerCount*2)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range feed {
				out <- e.Process(ctx, t)
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, t := range tasks {
			select {
			case feed <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]Result, 0, len(tasks))
	for r := range out {
		results = append(results, r)
	}

	// A cancelled run still deserves a durable index.
	if err := e.idx.Checkpoint(context.Background()); err != nil {
		e.logger.Warnf("final index checkpoint: %v", err)
	}
	return results
}
