// Package limiter provides a generic bounded-concurrency task runner: one
// goroutine per input, never more than a configured number in flight.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type Limiter struct {
	max            int64
	reportProgress bool
	log            *slog.Logger
}

// New validates the concurrency cap once at startup. A cap below 1 is a
// configuration error, not a per-item runtime fault.
func New(maxConcurrency int, reportProgress bool, log *slog.Logger) (*Limiter, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", maxConcurrency)
	}
	return &Limiter{
		max:            int64(maxConcurrency),
		reportProgress: reportProgress,
		log:            log,
	}, nil
}

// RunBatch offers inputs to free slots in input order and blocks until every
// dispatched unit of work has finished. Completion order is unconstrained.
// The work function must not panic or escape errors; it is expected to
// classify its own failures into the caller's output collections. idx is
// 1-based and is for logging and backoff decisions only.
//
// Context cancellation stops the dispatch of new work; units already in
// flight run to completion before RunBatch returns the cancellation error.
func RunBatch[T any](ctx context.Context, l *Limiter, inputs []T,
	work func(ctx context.Context, idx int, in T)) error {
	if len(inputs) == 0 {
		return nil
	}
	sem := semaphore.NewWeighted(l.max)
	wg := &sync.WaitGroup{}
	var completed atomic.Int64

	for i, in := range inputs {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("dispatch stopped after %d of %d items: %w", i, len(inputs), err)
		}
		wg.Add(1)
		go func(idx int, in T) {
			defer wg.Done()
			defer sem.Release(1)
			work(ctx, idx, in)
			done := completed.Add(1)
			if l.reportProgress {
				l.log.Info("progress.", slog.Int64("completed", done), slog.Int("total", len(inputs)))
			}
		}(i+1, in)
	}
	wg.Wait()

	return nil
}
