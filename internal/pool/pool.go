// Package pool provides the two execution fabrics the migration runs
// on: a plain bounded worker pool for TestRail calls and a throttled
// pool for Qase calls that additionally caps submissions to a rolling
// window (R requests per interval) across all workers.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool executes submitted functions on at most `workers` goroutines.
// Submission blocks while all workers are busy, and on throttled pools
// additionally while the rolling window is full.
type Pool struct {
	sem    *semaphore.Weighted
	window *slidingWindow
}

// Task is the awaitable handle returned by Go.
type Task struct {
	done chan struct{}
	err  error
}

// NewBounded returns a plain bounded pool.
func NewBounded(workers int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(workers))}
}

// NewThrottled returns a bounded pool that also enforces at most
// `requests` submissions per `interval` across all workers.
func NewThrottled(workers, requests int, interval time.Duration) *Pool {
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		window: &slidingWindow{limit: requests, interval: interval},
	}
}

// Go submits fn. It blocks until a worker and, on throttled pools, a
// window slot are available. When ctx is cancelled before the task
// starts, the returned handle fails with the context error and fn is
// never run; tasks already started run to completion.
func (p *Pool) Go(ctx context.Context, fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		t.err = err
		close(t.done)
		return t
	}
	if p.window != nil {
		if err := p.window.reserve(ctx); err != nil {
			p.sem.Release(1)
			t.err = err
			close(t.done)
			return t
		}
	}
	go func() {
		defer close(t.done)
		defer p.sem.Release(1)
		t.err = fn()
	}()
	return t
}

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// WaitAll drains a batch of handles and returns the first error.
func WaitAll(tasks []*Task) error {
	var first error
	for _, t := range tasks {
		if err := t.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// slidingWindow admits at most limit reservations per interval. A
// reservation that would exceed the window sleeps until the oldest
// stamp falls off the tail, then re-checks.
type slidingWindow struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	stamps   []time.Time
}

func (w *slidingWindow) reserve(ctx context.Context) error {
	for {
		w.mu.Lock()
		now := time.Now()
		i := 0
		for i < len(w.stamps) && now.Sub(w.stamps[i]) >= w.interval {
			i++
		}
		if i > 0 {
			w.stamps = append(w.stamps[:0], w.stamps[i:]...)
		}
		if len(w.stamps) < w.limit {
			w.stamps = append(w.stamps, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.interval - now.Sub(w.stamps[0])
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
