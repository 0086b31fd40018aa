// Package dstore implements store.IStore on top of a Dragonboat raft shard.
//
// Every write is serialized into an internal.Command and proposed with
// SyncPropose. Once the command is committed, each replica applies it on its
// own machine (Update in statemachine.go), so all replicas hold the same
// records, change logs and borrow table. The proposer stamps the command with
// its wall clock, which keeps Apply deterministic across replicas.
//
// Reads use SyncRead. ReadLog and GetDBInfo accept stale reads through
// StaleRead, a subscriber catching up on the change log tolerates lag.
//
// Error Handling and Retries:
//
//	- System Busy: ErrSystemBusy is retried after a short pause, up to 5 times.
//	- Timeouts: a command not committed within the timeout fails with
//	  errs.RetCTimeout. The caller may retry it, record commands are idempotent
//	  by key and revision.
//	- Domain errors travel back as sm.Result (Value = RetCode, Data = message).
//
// Snapshots:
//
//	A snapshot holds the borrow table followed by the db.KVDB snapshot. Entries
//	at or below the persisted write index are skipped after recovery.
//
// Example:
//
//	bus := events.NewBus()
//	cfg := store.Config{Bus: bus}
//	err := nh.StartConcurrentReplica(members, false,
//	    dstore.CreateStateMachineFactory(dbFactory, cfg), shardConfig)
//	if err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, shardID, 5*time.Second, bus)
package dstore
