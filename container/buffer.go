// Package container holds the small allocation-aware containers the engine is built on.
//
// None of them synchronize internally; callers serialize access.
package container

const minBufferCapacity = 32

// Buffer is a growable contiguous sequence. Growth doubles the capacity with a floor of 32
// elements. Removal swaps the removed element with the last one, so order is not kept.
type Buffer[T comparable] struct {
	items []T
}

// NewBuffer create a Buffer with at least n elements of capacity.
func NewBuffer[T comparable](n int) *Buffer[T] {
	b := new(Buffer[T])
	if n > 0 {
		b.items = make([]T, 0, n)
	}
	return b
}

// Push appends v.
func (b *Buffer[T]) Push(v T) {
	if len(b.items) == cap(b.items) {
		c := max(cap(b.items)*2, minBufferCapacity)
		n := make([]T, len(b.items), c)
		copy(n, b.items)
		b.items = n
	}
	b.items = append(b.items, v)
}

// At returns the element at i, it panics when i is out of range.
func (b *Buffer[T]) At(i int) T {
	return b.items[i]
}

// Set overwrites the element at i.
func (b *Buffer[T]) Set(i int, v T) {
	b.items[i] = v
}

// Index returns the position of the first element equal to v or -1.
func (b *Buffer[T]) Index(v T) int {
	for i, x := range b.items {
		if x == v {
			return i
		}
	}
	return -1
}

// Remove deletes the first element equal to v by moving the last element into its place.
// It reports whether an element was removed.
func (b *Buffer[T]) Remove(v T) bool {
	i := b.Index(v)
	if i < 0 {
		return false
	}
	last := len(b.items) - 1
	b.items[i] = b.items[last]
	var zero T
	b.items[last] = zero
	b.items = b.items[:last]
	return true
}

// Len is the number of elements.
func (b *Buffer[T]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// Cap is the current capacity.
func (b *Buffer[T]) Cap() int {
	if b == nil {
		return 0
	}
	return cap(b.items)
}

// Slice exposes the live elements. The slice is invalidated by the next Push or Remove.
func (b *Buffer[T]) Slice() []T {
	if b == nil {
		return nil
	}
	return b.items
}

// Clone copies the live elements.
func (b *Buffer[T]) Clone() []T {
	if b.Len() == 0 {
		return nil
	}
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Reset drops every element and releases the storage.
func (b *Buffer[T]) Reset() {
	b.items = nil
}
