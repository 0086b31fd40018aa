package internal

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/util"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTInitIdentity CommandType = iota // Persist the server identity unless one exists.
	CommandTRequestRange                    // Issue the next id block of a tree.
	CommandTCreate                          // Commit revision 0 of a record.
	CommandTEdit                            // Replace the payload of a record.
	CommandTMigrate                         // Replace payload and schema of a record.
	CommandTRelease                         // Freeze a record.
	CommandTSetState                        // Change the state number of a record.
	CommandTDelete                          // Turn a record into a tombstone.
	CommandTCheckout                        // Borrow a record.
	CommandTCheckin                         // Return a borrow.
	CommandTReconcile                       // Re-confirm the borrows a client asserts.
	CommandTRevoke                          // Force-release all borrows of a client.
	CommandTAck                             // Record the acknowledged cursor of a client.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTInitIdentity:
		return "InitIdentity"
	case CommandTRequestRange:
		return "RequestRange"
	case CommandTCreate:
		return "Create"
	case CommandTEdit:
		return "Edit"
	case CommandTMigrate:
		return "Migrate"
	case CommandTRelease:
		return "Release"
	case CommandTSetState:
		return "SetState"
	case CommandTDelete:
		return "Delete"
	case CommandTCheckout:
		return "Checkout"
	case CommandTCheckin:
		return "Checkin"
	case CommandTReconcile:
		return "Reconcile"
	case CommandTRevoke:
		return "Revoke"
	case CommandTAck:
		return "Ack"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single
// entry in the raft log). Now is set by the proposer, so every replica
// applies the same timestamp.
type Command struct {
	Type    CommandType
	Now     int64
	Tree    string
	Client  string
	ID      keys.ID
	N       uint64 // range size, release number, state number or cursor
	Schema  record.SchemaVersion
	Payload []byte       // record payload, encoded envelope (create) or identity
	Keys    []borrow.Key // asserted borrows (reconcile)
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := 1 + 8 + 2 + len(command.Tree) + 2 + len(command.Client) + keys.IDSize + 8 + 4 + 4 + len(command.Payload) + 4
	for _, k := range command.Keys {
		size += 2 + len(k.Tree) + keys.IDSize
	}
	return size
}

// Serialize serializes a command into a byte array with the format:
//
//	type u8 | now i64 | tree (u16 len) | client (u16 len) | id 16 |
//	n u64 | major u16 | minor u16 | payload (u32 len) | keys (u32 count)
func (command *Command) Serialize() []byte {
	e := util.NewEncoder(command.SizeBytes())
	e.U8(uint8(command.Type)).
		I64(command.Now).
		String(command.Tree).
		String(command.Client).
		Raw(command.ID.Bytes()).
		U64(command.N).
		U16(command.Schema.Major).
		U16(command.Schema.Minor).
		Bytes(command.Payload).
		U32(uint32(len(command.Keys)))
	for _, k := range command.Keys {
		k.Encode(e)
	}
	return e.Data()
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	d := util.NewDecoder(data)
	command.Type = CommandType(d.U8("type"))
	command.Now = d.I64("now")
	command.Tree = d.String("tree")
	command.Client = d.String("client")
	command.ID, _ = keys.IDFromBytes(d.Raw(keys.IDSize, "id"))
	command.N = d.U64("n")
	command.Schema.Major = d.U16("schema major")
	command.Schema.Minor = d.U16("schema minor")
	command.Payload = d.Bytes("payload")
	n := d.U32("key count")
	command.Keys = nil
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var k borrow.Key
		k.Decode(d)
		command.Keys = append(command.Keys, k)
	}
	if d.Err() != nil {
		return errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("deserialize command: %w", d.Err()))
	}
	if d.Remaining() != 0 {
		return errs.Newf(errs.RetCInvalidOperation, "deserialize command: %d trailing bytes", d.Remaining())
	}
	return nil
}
