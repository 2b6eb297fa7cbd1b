package engine

import (
	"context"
	"sync"

	"github.com/openfroyo/pgprovision/pkg/transports"
)

// runFunc executes one command.
type runFunc func(ctx context.Context, cmd transports.Command) (transports.Result, error)

// commandQueue runs commands one at a time, in submission order, on a
// background goroutine. Independent commands are submitted without waiting;
// Wait is called before any step that depends on them. After the first
// failure the remaining commands are skipped.
type commandQueue struct {
	run  runFunc
	jobs chan transports.Command
	wg   sync.WaitGroup

	mu      sync.Mutex
	err     error
	skipped int
}

func newCommandQueue(ctx context.Context, run runFunc) *commandQueue {
	q := &commandQueue{
		run:  run,
		jobs: make(chan transports.Command, 16),
	}
	go q.loop(ctx)
	return q
}

func (q *commandQueue) loop(ctx context.Context) {
	for cmd := range q.jobs {
		if q.failed() || ctx.Err() != nil {
			q.mu.Lock()
			q.skipped++
			if q.err == nil {
				q.err = ctx.Err()
			}
			q.mu.Unlock()
			q.wg.Done()
			continue
		}

		if _, err := q.run(ctx, cmd); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
		q.wg.Done()
	}
}

func (q *commandQueue) failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err != nil
}

// Submit queues cmd behind every command submitted before it.
func (q *commandQueue) Submit(cmd transports.Command) {
	q.wg.Add(1)
	q.jobs <- cmd
}

// Wait blocks until every submitted command has run or been skipped and
// returns the first failure.
func (q *commandQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Skipped returns how many commands were dropped after a failure.
func (q *commandQueue) Skipped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipped
}

// Close stops the worker. The queue must not be used afterwards.
func (q *commandQueue) Close() {
	close(q.jobs)
}
