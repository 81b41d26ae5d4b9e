package generic

import (
	"sync"
	"sync/atomic"
)

// Pool is a typed sync.Pool. Values failing the keep predicate are dropped
// on Put instead of being recycled.
type Pool[T any] struct {
	pool  sync.Pool
	keep  func(T) bool
	reset func(T)

	misses  atomic.Uint64
	dropped atomic.Uint64
}

func NewPool[T any](generate func() T) *Pool[T] {
	p := &Pool[T]{}
	p.pool.New = func() any {
		p.misses.Add(1)
		return generate()
	}
	return p
}

// WithReset sets the hook applied to every value accepted by Put.
func (p *Pool[T]) WithReset(fn func(T)) *Pool[T] {
	p.reset = fn
	return p
}

// WithKeep sets the predicate deciding whether a returned value is recycled.
func (p *Pool[T]) WithKeep(fn func(T) bool) *Pool[T] {
	p.keep = fn
	return p
}

// Warm pre-fills the pool with n fresh values.
func (p *Pool[T]) Warm(n int) *Pool[T] {
	for i := 0; i < n; i++ {
		p.pool.Put(p.pool.New())
	}
	p.misses.Store(0)
	return p
}

func (p *Pool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(value T) {
	if p.keep != nil && !p.keep(value) {
		p.dropped.Add(1)
		return
	}
	if p.reset != nil {
		p.reset(value)
	}
	p.pool.Put(value)
}

// Misses counts values built because the pool was empty.
func (p *Pool[T]) Misses() uint64 { return p.misses.Load() }

// Dropped counts values rejected by the keep predicate.
func (p *Pool[T]) Dropped() uint64 { return p.dropped.Load() }
