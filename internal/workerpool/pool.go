// Package workerpool runs groups of work on a bounded set of goroutines and
// reports every failure.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrWorkerFailure matches any error produced by a failed worker.
var ErrWorkerFailure = errors.New("worker failure")

// WorkerError records which worker failed and why.
type WorkerError struct {
	Worker int
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// Is makes every WorkerError match ErrWorkerFailure.
func (e *WorkerError) Is(target error) bool { return target == ErrWorkerFailure }

// Distribute splits items into exactly n contiguous groups. The first
// len(items)%n groups hold one extra item, so sizes differ by at most one
// and concatenating the groups gives back items. Groups may be empty when
// n exceeds len(items).
func Distribute[T any](items []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	groups := make([][]T, n)
	base, extra := len(items)/n, len(items)%n
	start := 0
	for i := range groups {
		size := base
		if i < extra {
			size++
		}
		groups[i] = items[start : start+size : start+size]
		start += size
	}
	return groups
}

// Func is the body of one worker.
type Func func(ctx context.Context, worker int) error

// Pool runs workers with at most Size of them in flight.
type Pool struct {
	size   int
	logger *zap.Logger
}

// New returns a pool of the given size. Sizes below one are treated as one.
func New(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, logger: logger.With(zap.String("component", "workerpool"))}
}

// Size returns the maximum number of concurrent workers.
func (p *Pool) Size() int { return p.size }

// Run starts workers 0..n-1 and blocks until all of them return. A failing
// worker does not stop its siblings. The returned error joins one
// WorkerError per failed worker, ordered by worker index.
func (p *Pool) Run(ctx context.Context, n int, fn Func) error {
	var g errgroup.Group
	g.SetLimit(p.size)

	var mu sync.Mutex
	failures := make([]error, n)

	for w := 0; w < n; w++ {
		g.Go(func() error {
			if err := p.call(ctx, w, fn); err != nil {
				p.logger.Error("worker failed", zap.Int("worker", w), zap.Error(err))
				mu.Lock()
				failures[w] = &WorkerError{Worker: w, Err: err}
				mu.Unlock()
			}
			return nil
		})
	}
	// workers never return an error; failures are collected per index
	g.Wait()

	return errors.Join(failures...)
}

func (p *Pool) call(ctx context.Context, worker int, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panicked", zap.Int("worker", worker), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, worker)
}
