package dstore

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/store"
	"github.com/ValentinKolb/tKV/lib/store/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is the dragonboat state machine of one replica. It wraps the
// same command executor the local store uses.
type StateMachine struct {
	replicaID uint64
	shardID   uint64
	machine   *internal.Machine
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory.
// Hooks and bus of cfg receive the commits applied by the replicas of this node host.
func CreateStateMachineFactory(dbFactory db.Factory, cfg store.Config) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		database, err := dbFactory()
		if err != nil {
			log.Panicf("replica %d of shard %d: cannot open database: %v", replicaID, shardID, err)
		}
		machine := internal.NewMachine(database, cfg)
		if err := machine.LoadBorrows(); err != nil {
			log.Panicf("replica %d of shard %d: %v", replicaID, shardID, err)
		}
		return &StateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			machine:   machine,
		}
	}
}

// Lookup handles read-only queries
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, errs.Newf(errs.RetCInternalError, "invalid Query type: %T", itf)
	}
	return fsm.machine.Lookup(q)
}

// Update handles write commands. Entries already applied to a durable
// database (index <= write index) are skipped.
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()
	applied := fsm.machine.DB().WriteIdx()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}
		if e.Index <= applied {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCSuccess)}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(errs.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		data, err := fsm.machine.Apply(cmd, e.Index)
		if err != nil {
			entries[idx].Result = sm.Result{Value: uint64(errs.CodeOf(err)), Data: []byte(errMessage(err))}
			continue
		}
		entries[idx].Result = sm.Result{Value: uint64(errs.RetCSuccess), Data: data}
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

func errMessage(err error) string {
	if e, ok := err.(*errs.Error); ok {
		return e.Msg
	}
	return err.Error()
}

// PrepareSnapshot is not used. We don't need to prepare anything since we use fuzzy snapshotting
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot saves a db snapshot to the writer
func (fsm *StateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	return fsm.machine.Save(writer)
}

// RecoverFromSnapshot replaces the replica state with a snapshot
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	return fsm.machine.Recover(r)
}

// Close performs any necessary cleanup.
func (fsm *StateMachine) Close() error {
	return fsm.machine.Close()
}
