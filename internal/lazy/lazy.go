// Package lazy provides a race-tolerant, publish-once value cell.
//
// Any number of goroutines may run the initializer concurrently. The first
// successful result is published atomically and every later or concurrent
// reader observes that single value; losing computations are discarded, not
// blocked. Failed computations are never cached, so the next Get retries.
package lazy

import (
	"context"
	"sync/atomic"
)

// Func computes the value. It must be safe to call concurrently and every
// successful call must produce an interchangeable result.
type Func[T any] func(ctx context.Context) (*T, error)

// Value is a single-assignment cell. The zero value is not usable; use New.
type Value[T any] struct {
	p    atomic.Pointer[T]
	init Func[T]
}

// New returns a cell that computes its value with fn on first use.
func New[T any](fn Func[T]) *Value[T] {
	return &Value[T]{init: fn}
}

// Of returns a cell that is already published with v.
func Of[T any](v *T) *Value[T] {
	c := &Value[T]{}
	c.p.Store(v)
	return c
}

// Get returns the published value, computing it if nothing has been
// published yet.
func (v *Value[T]) Get(ctx context.Context) (*T, error) {
	if p := v.p.Load(); p != nil {
		return p, nil
	}
	t, err := v.init(ctx)
	if err != nil {
		return nil, err
	}
	if v.p.CompareAndSwap(nil, t) {
		return t, nil
	}
	return v.p.Load(), nil
}

// Loaded reports whether a value has been published.
func (v *Value[T]) Loaded() bool { return v.p.Load() != nil }
