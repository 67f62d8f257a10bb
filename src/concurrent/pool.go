// Package concurrent bounds fan-out work with a shared worker semaphore. The
// background sweeper uses it to cap how many sessions flush at once.
package concurrent

import (
	"context"
	"sync"
)

// WorkerPool caps how many submitted functions run at the same time. A pool
// is long-lived and shared; acquiring a slot blocks until one frees up or the
// context ends.
type WorkerPool struct {
	sem chan struct{}
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &WorkerPool{sem: make(chan struct{}, maxWorkers)}
}

// Do runs fn once a worker slot is available.
func (wp *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case wp.sem <- struct{}{}:
		defer func() { <-wp.sem }()
		return fn()
	}
}

// ForEach runs fn over every item through the pool, one goroutine per item
// held to the pool's concurrency cap. Every item is attempted even when some
// fail; the first error observed is returned after all items finish.
func ForEach[T any](ctx context.Context, pool *WorkerPool, items []T, fn func(T) error) error {
	if len(items) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(items))

	for _, item := range items {
		wg.Add(1)
		go func(val T) {
			defer wg.Done()
			if err := pool.Do(ctx, func() error { return fn(val) }); err != nil {
				errChan <- err
			}
		}(item)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}
