package taskmgr

import (
	"context"
	"sync"
)

// Result is the success payload of a task.
type Result struct {
	Value any
}

// Future resolves exactly once with a Result or an error.
type Future struct {
	done chan struct{}
	once sync.Once
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res Result, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done. A ctx error does
// not cancel the task.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
