// Package util provides small building blocks shared by the tKV libraries.
//
// The package contains:
//   - functions: seeded FNV-1a hashing, random seeds and retry backoff with jitter
//   - mapheap: a min-heap of deadlines with key based access, used to schedule borrow revocations
//   - lockfreempsc: an unbounded lock-free Multi-Producer Single-Consumer queue, used per event bus subscriber
//   - statistics: a value size histogram and distribution metrics reported by the storage engines
//
// None of the components depend on other tKV packages.
package util
