package borrow

import (
	"sync"
	"time"

	"github.com/ValentinKolb/tKV/lib/util"
)

// Reaper tracks clients that lost their last session while holding borrows.
// A client is due for revocation once the grace period passed without a
// reconnect. A grace of 0 disables revocation: borrows are held indefinitely.
type Reaper struct {
	mu      sync.Mutex
	grace   time.Duration
	seed    uint64
	heap    *util.MapHeap
	clients map[uint64]string
}

// NewReaper creates a reaper with the given grace period
func NewReaper(grace time.Duration) *Reaper {
	return &Reaper{
		grace:   grace,
		seed:    util.GenerateSeed(),
		heap:    util.NewMapHeap(),
		clients: make(map[uint64]string),
	}
}

// Grace returns the configured grace period
func (r *Reaper) Grace() time.Duration {
	return r.grace
}

// Schedule marks client as disconnected at now
func (r *Reaper) Schedule(client string, now time.Time) {
	if r.grace <= 0 {
		return
	}
	h := uint64(util.HashString(client, r.seed))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[h] = client
	r.heap.AddItem(h, uint64(now.Add(r.grace).UnixNano()))
}

// Cancel removes a pending revocation (the client reconnected)
func (r *Reaper) Cancel(client string) {
	h := uint64(util.HashString(client, r.seed))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.heap.RemoveByKey(h)
	delete(r.clients, h)
}

// Pending reports whether client is scheduled for revocation
func (r *Reaper) Pending(client string) bool {
	h := uint64(util.HashString(client, r.seed))

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heap.Contains(h)
}

// Expired removes and returns all clients whose grace period ended before now
func (r *Reaper) Expired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, h := range r.heap.PopDue(uint64(now.UnixNano())) {
		out = append(out, r.clients[h])
		delete(r.clients, h)
	}
	return out
}
