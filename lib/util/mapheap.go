// Package util
//
// This file provides a min-heap of (key, deadline) pairs that also supports
// key based access.
//
// It is used wherever something has to happen "no earlier than" a point in
// time and may be cancelled before that: the borrow reaper schedules a
// revocation per disconnected client and drops the entry again when the
// client reconnects.
//
// Complexity:
//   - O(log n) for AddItem, RemoveByKey and PopDue
//   - O(1) for Peek, Contains and GetByKey
//
// The heap is not thread-safe, callers synchronize externally.
//
// Example usage:
//
//	h := NewMapHeap()
//	h.AddItem(clientHash, uint64(deadline.UnixNano()))
//	for _, key := range h.PopDue(uint64(time.Now().UnixNano())) {
//		// deadline of key passed
//	}
package util

import (
	"container/heap"
	"strconv"
)

// item is a key with its deadline (priority)
type item struct {
	Key      uint64 // Unique identifier for the item
	Priority uint64 // Deadline, smaller values are due first
	index    int    // Index in the heap, maintained by heap package
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min-heap ordered by priority with an index by key
type MapHeap struct {
	items    []*item
	itemsMap map[uint64]*item
}

// NewMapHeap creates a new empty heap
func NewMapHeap() *MapHeap {
	return &MapHeap{
		items:    make([]*item, 0),
		itemsMap: make(map[uint64]*item),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *MapHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Key based access
// --------------------------------------------------------------------------

// AddItem adds a new item or moves an existing one to the new priority
func (h *MapHeap) AddItem(key, priority uint64) {
	if it, exists := h.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &item{Key: key, Priority: priority})
}

// RemoveByKey removes an item by its key and returns its priority
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the item with the smallest priority without removing it
func (h *MapHeap) Peek() (*item, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopDue removes and returns the keys of all items with priority <= now,
// smallest priority first
func (h *MapHeap) PopDue(now uint64) []uint64 {
	var due []uint64
	for len(h.items) > 0 && h.items[0].Priority <= now {
		it := heap.Pop(h).(*item)
		due = append(due, it.Key)
	}
	return due
}

// Contains checks if a key exists in the heap
func (h *MapHeap) Contains(key uint64) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (h *MapHeap) GetByKey(key uint64) (*item, bool) {
	it, exists := h.itemsMap[key]
	return it, exists
}
