package pool

import "sync"

type fixed[T any] struct {
	mu    sync.Mutex
	items []T
	next  int
}

// NewFixed returns a Pool handing out items in order. The slice is copied.
func NewFixed[T any](items []T) Pool[T] {
	cp := make([]T, len(items))
	copy(cp, items)
	return &fixed[T]{items: cp}
}

func (p *fixed[T]) Take() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var zero T
	if p.next >= len(p.items) {
		return zero, false
	}
	el := p.items[p.next]
	// release the reference; the pool never hands it out again
	p.items[p.next] = zero
	p.next++
	return el, true
}

func (p *fixed[T]) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items) - p.next
}

func (p *fixed[T]) Capacity() int { return len(p.items) }
