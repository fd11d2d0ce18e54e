// Package buffer provides the append-only storage used to stream scan samples.
package buffer

import "fmt"

// Expanding is an append-only sequence with amortised constant time appends.
//
// The zero value is not usable; construct instances with NewExpanding. An
// Expanding is not safe for concurrent use; a single writer owns it.
type Expanding[T any] struct {
	data []T
	size int
}

// NewExpanding allocates a buffer with the requested initial capacity.
func NewExpanding[T any](capacity int) (*Expanding[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("expanding buffer capacity must be positive, got %d", capacity)
	}
	return &Expanding[T]{data: make([]T, capacity)}, nil
}

// Append stores value at the end of the sequence, doubling the backing
// store when it is full.
func (b *Expanding[T]) Append(value T) {
	if b.size == len(b.data) {
		grown := make([]T, 2*len(b.data))
		copy(grown, b.data[:b.size])
		b.data = grown
	}
	b.data[b.size] = value
	b.size++
}

// Get returns the valid prefix. The slice aliases internal storage and is
// only valid until the next Append or Clear.
func (b *Expanding[T]) Get() []T {
	return b.data[:b.size:b.size]
}

// Len reports the logical length.
func (b *Expanding[T]) Len() int {
	return b.size
}

// Cap reports the physical capacity.
func (b *Expanding[T]) Cap() int {
	return len(b.data)
}

// Clear resets the logical length without releasing capacity.
func (b *Expanding[T]) Clear() {
	var zero T
	for i := 0; i < b.size; i++ {
		b.data[i] = zero
	}
	b.size = 0
}
