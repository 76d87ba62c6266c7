// Package executor is the task-execution substrate for chunk processing:
// submit a function, get a future, block on the result. Tasks run on a
// bounded pool of goroutines.
package executor

import (
	"context"
	"fmt"
)

type Task func(ctx context.Context) (interface{}, error)

// Future resolves exactly once.
type Future struct {
	done chan struct{}
	val  interface{}
	err  error
}

// Get blocks until the task finishes and returns its result.
func (f *Future) Get() (interface{}, error) {
	<-f.done
	return f.val, f.err
}

type Pool struct {
	sem chan struct{}
}

// NewPool creates a pool running at most n tasks concurrently.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{sem: make(chan struct{}, n)}
}

// Submit schedules the task and returns immediately. A panicking task
// resolves its future with an error instead of crashing the worker.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("task panic: %v", r)
			}
			close(f.done)
		}()
		if err := ctx.Err(); err != nil {
			f.err = err
			return
		}
		f.val, f.err = task(ctx)
	}()
	return f
}
