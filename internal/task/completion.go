package task

import (
	"context"
	"sync"
)

// Completion carries the result of a request/response style request back to
// the producer. The first Complete or Fail wins.
type Completion[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

func (c *Completion[T]) Complete(v T) bool {
	return c.settle(v, nil)
}

func (c *Completion[T]) Fail(err error) bool {
	var zero T
	return c.settle(zero, err)
}

func (c *Completion[T]) settle(v T, err error) bool {
	ok := false
	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
		ok = true
	})
	return ok
}

func (c *Completion[T]) Done() <-chan struct{} { return c.done }

func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
