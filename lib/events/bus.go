package events

import (
	"sync/atomic"

	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("events")

// AllTrees subscribes to the changes of every tree
const AllTrees = ""

// Bus is the in-process fan-out of changes. Delivery is best effort: there is
// no durability and no replay, a subscriber only sees changes published after
// it subscribed. Every subscriber has its own unbounded queue, so Publish
// never blocks on a slow subscriber.
type Bus struct {
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
	closed atomic.Bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: xsync.NewMapOf[uint64, *Subscription]()}
}

// Subscription receives the changes of one tree (or of all trees)
type Subscription struct {
	id    uint64
	tree  string
	bus   *Bus
	queue *util.LockFreeMPSC[Change]
}

// Subscribe registers a subscriber for tree, AllTrees for every tree
func (b *Bus) Subscribe(tree string) *Subscription {
	s := &Subscription{
		id:    b.nextID.Add(1),
		tree:  tree,
		bus:   b,
		queue: util.NewLockFreeMPSC[Change](),
	}
	if b.closed.Load() {
		s.queue.Close()
		return s
	}
	b.subs.Store(s.id, s)
	return s
}

// Publish hands c to every matching subscriber. Changes published from one
// goroutine arrive in publish order.
func (b *Bus) Publish(c Change) {
	if b.closed.Load() {
		return
	}
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		if s.tree == AllTrees || s.tree == c.Tree {
			change := c
			if !s.queue.Push(&change) {
				Logger.Debugf("dropped %s for closed subscription %d", c, s.id)
			}
		}
		return true
	})
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	return b.subs.Size()
}

// Close ends all subscriptions. Changes already queued are still delivered.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.subs.Range(func(id uint64, s *Subscription) bool {
		s.queue.Close()
		b.subs.Delete(id)
		return true
	})
}

// C returns the channel delivering the changes. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) C() <-chan *Change {
	return s.queue.Recv()
}

// Tree returns the subscribed tree (AllTrees for all)
func (s *Subscription) Tree() string {
	return s.tree
}

// Close unsubscribes and discards undelivered changes
func (s *Subscription) Close() {
	s.bus.subs.Delete(s.id)
	s.queue.Stop()
}
