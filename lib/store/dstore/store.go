package dstore

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/events"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

// executor proposes commands to a raft shard through a Dragonboat NodeHost
type executor struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	bus     *events.Bus
}

// NewDistributedStore creates a new distributed store instance which uses raft
// consensus to ensure strict linearizability across multiple nodes. bus must
// be the bus passed to CreateStateMachineFactory of the same node host.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration, bus *events.Bus) store.IStore {
	return internal.NewFrontend(&executor{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
		bus:     bus,
	})
}

// --------------------------------------------------------------------------
// Executor Methods (docu see internal.Executor)
// --------------------------------------------------------------------------

// Write sends a serialized Command via SyncPropose and returns the result
// bytes or the error the state machine reported.
func (s *executor) Write(cmd internal.Command) ([]byte, error) {
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)

		res, err := s.nh.SyncPropose(ctx, s.cs, cmd.Serialize())
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if errors.Is(err, dragonboat.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Newf(errs.RetCTimeout, "%s was not committed within %s", cmd.Type, s.timeout)
		}
		if err != nil {
			return nil, errs.NewError(errs.RetCInternalError, err.Error())
		}
		if code := errs.RetCode(res.Value); code != errs.RetCSuccess {
			return nil, errs.NewError(code, string(res.Data))
		}
		return res.Data, nil
	}
	return nil, errs.NewError(errs.RetCTimeout, "system busy")
}

// Read queries the state machine. This function uses SyncRead by default; if
// linearizability is not required, stale uses the faster StaleRead function.
// If the read operation fails due to a system busy error, it retries up to 5 times.
func (s *executor) Read(q internal.Query, stale bool) (interface{}, error) {
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			res, err = s.nh.SyncRead(ctx, s.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(s.timeout / 10)
			continue
		}
		if errors.Is(err, dragonboat.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errs.Newf(errs.RetCTimeout, "%s query did not finish within %s", q.Type, s.timeout)
		}
		if err != nil {
			return nil, errs.Wrap(errs.RetCInternalError, err)
		}
		return res, nil
	}
	return nil, errs.NewError(errs.RetCTimeout, "system busy")
}

func (s *executor) Bus() *events.Bus {
	return s.bus
}

// Close does not stop the node host, its owner does
func (s *executor) Close() error {
	return nil
}
