// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free pushes: producers only use atomic operations, Push never blocks
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Single Consumer: values are delivered to exactly one goroutine via Recv()
//   - Per-producer FIFO: values pushed by the same goroutine arrive in push order.
//     Across concurrent producers the order is decided by whichever CAS wins.
//
// The event bus relies on the per-producer order: every tree commit publishes
// from under the tree's commit lock, so subscribers observe commit order.
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T interface{}] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue backed by
// a linked list with a sentinel head.
type LockFreeMPSC[T interface{}] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan *T
	stop     chan struct{}
	stopOnce sync.Once
	consumer sync.WaitGroup
	closed   atomic.Bool

	// wakes the consumer when it sleeps on an empty queue
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a new queue and starts its delivery goroutine
func NewLockFreeMPSC[T interface{}]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out:  make(chan *T),
		stop: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// another producer may already have advanced the tail, that is fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.wake()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin briefly at low contention, yield afterwards
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer. Taking the mutex orders the signal after the
// consumer's emptiness check, otherwise a push landing between check and
// Wait would be missed until the next push.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// consume moves items from the linked list to the output channel
func (q *LockFreeMPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true

			value := next.value
			q.head.Store(next)

			select {
			case q.out <- value:
			case <-q.stop:
				return
			}

			// help go gc
			next.value = nil
		}

		if !hasItems && q.closed.Load() {
			return
		}

		if !hasItems {
			q.mu.Lock()
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed once the queue is closed and drained, or stopped.
func (q *LockFreeMPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Any items already in the queue will still be delivered to the consumer.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.wake()
}

// Stop closes the queue and discards everything that was not delivered yet.
// Use it when the consumer goes away, so the delivery goroutine does not
// block forever on a channel nobody reads.
func (q *LockFreeMPSC[T]) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.Close()
	q.consumer.Wait()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the number of items in the queue.
// This is O(n) and should only be used for debugging.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	current := q.head.Load()
	for {
		next := current.next.Load()
		if next == nil {
			break
		}
		count++
		current = next
	}
	return count
}
