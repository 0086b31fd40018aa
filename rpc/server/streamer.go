package server

import (
	"time"

	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/rpc/common"
)

const (
	// streamBatch is the number of log entries read per round
	streamBatch = 256
	// pollInterval re-reads the log even without a wake-up from the bus,
	// followers of a raft group may apply entries without a local publish
	pollInterval = 2 * time.Second
)

// streamer pushes the change log of one tree to one session. The durable log
// is the only source of updates, the bus just signals that there is more.
type streamer struct {
	sess   *session
	tree   string
	cursor uint64
	sub    *events.Subscription
	stop   chan struct{}
	done   chan struct{}
}

func newStreamer(sess *session, tree string, since uint64) *streamer {
	return &streamer{
		sess:   sess,
		tree:   tree,
		cursor: since,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// start subscribes to the bus before the first log read, so no commit can
// slip between reading the log and waiting for the next wake-up
func (st *streamer) start() {
	st.sub = st.sess.srv.store.Bus().Subscribe(st.tree)
	go st.run()
}

func (st *streamer) close() {
	close(st.stop)
	<-st.done
}

func (st *streamer) run() {
	defer close(st.done)
	defer st.sub.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !st.catchUp() {
			return
		}

		select {
		case <-st.stop:
			return
		case _, ok := <-st.sub.C():
			if !ok {
				return
			}
			st.drain()
		case <-ticker.C:
		}
	}
}

// catchUp pushes every change after the cursor. It returns false when the
// connection is gone.
func (st *streamer) catchUp() bool {
	for {
		select {
		case <-st.stop:
			return false
		default:
		}

		changes, err := st.sess.srv.store.ReadLog(st.tree, st.cursor, streamBatch)
		if err != nil {
			Logger.Warningf("reading log of %s for %s failed: %v", st.tree, st.sess.client, err)
			return true
		}

		for _, c := range changes {
			data, err := c.MarshalBinary()
			if err != nil {
				Logger.Errorf("encoding change %s failed: %v", c, err)
				return false
			}
			if err := st.sess.push(common.NewUpdate(st.tree, c.Cursor, data)); err != nil {
				Logger.Debugf("stream of %s to %s ended: %v", st.tree, st.sess.client, err)
				return false
			}
			st.cursor = c.Cursor
		}

		if len(changes) < streamBatch {
			return true
		}
	}
}

// drain discards pending wake-ups, one log read covers all of them
func (st *streamer) drain() {
	for {
		select {
		case _, ok := <-st.sub.C():
			if !ok {
				return
			}
		default:
			return
		}
	}
}
