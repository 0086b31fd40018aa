package server

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// serverMetrics holds the counters of one server. Every server has its own
// set, so several servers can live in one process (tests). Commit and borrow
// totals of the store are counted by the state machine in the default set.
type serverMetrics struct {
	set            *metrics.Set
	sessions       *metrics.Counter
	denials        *metrics.Counter
	ranges         *metrics.Counter
	revocations    *metrics.Counter
	rejected       *metrics.Counter
	commitDuration *metrics.Histogram
}

func newServerMetrics() *serverMetrics {
	set := metrics.NewSet()
	return &serverMetrics{
		set:            set,
		sessions:       set.NewCounter("tkv_rpc_sessions_active"),
		denials:        set.NewCounter("tkv_rpc_checkout_denials_total"),
		ranges:         set.NewCounter("tkv_rpc_range_grants_total"),
		revocations:    set.NewCounter("tkv_rpc_borrow_revocations_total"),
		rejected:       set.NewCounter("tkv_rpc_sessions_rejected_total"),
		commitDuration: set.NewHistogram("tkv_rpc_commit_duration_seconds"),
	}
}

// commit counts a successful commit request of op on tree
func (m *serverMetrics) commit(tree, op string, start time.Time) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`tkv_rpc_commits_total{tree=%q,op=%q}`, tree, op)).Inc()
	m.commitDuration.UpdateDuration(start)
}

// write renders the server metrics and the process metrics in Prometheus text format
func (m *serverMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
	metrics.WritePrometheus(w, true)
}
