// Package queue serializes work per session: tasks run one at a time in
// submission order and each task's error belongs to that task alone.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrClosed = errors.New("queue closed")

// Task is one unit of outbound work.
type Task func(ctx context.Context) (any, error)

// Future resolves once its task has run.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func (f *Future) resolve(v any, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task completed or ctx ends. A cancelled wait does
// not cancel the task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	task   Task
	future *Future
}

// Queue is a FIFO with a single worker goroutine that exists only while
// there is work. The zero value is not usable; call New.
type Queue struct {
	ctx context.Context

	mu      sync.Mutex
	pending []item
	running bool
	closed  bool
	idle    chan struct{}
}

// New returns a queue whose tasks receive ctx.
func New(ctx context.Context) *Queue {
	return &Queue{ctx: ctx}
}

// Push appends task. There is no cap; callers bound the rate.
func (q *Queue) Push(task Task) *Future {
	f := &Future{done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}
	q.pending = append(q.pending, item{task: task, future: f})
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
	q.mu.Unlock()
	return f
}

// Len is the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close rejects further pushes. Tasks already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Idle waits until the worker has drained the queue.
func (q *Queue) Idle(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		v, err := run(q.ctx, next.task)
		next.future.resolve(v, err)
	}
}

func run(ctx context.Context, task Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Do pushes fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	f := q.Push(func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	v, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
