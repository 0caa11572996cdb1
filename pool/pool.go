// Package pool holds the fixed set of worker descriptors a scheduler may launch.
package pool

// Pool hands out elements from a fixed-capacity set. Each element is handed out at most once.
type Pool[T any] interface {
	// Take returns the next element that has not been handed out yet.
	// It returns false once the pool is exhausted.
	Take() (T, bool)

	// Remaining returns the number of elements that can still be taken.
	Remaining() int

	// Capacity returns the total number of elements the pool was created with.
	Capacity() int
}
