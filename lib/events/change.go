package events

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/util"
)

// --------------------------------------------------------------------------
// Change Kinds
// --------------------------------------------------------------------------

// Kind is the type of a change
type Kind uint8

const (
	KindUnknown Kind = iota

	// committed changes, written to the tree log and streamed to clients
	KindCreate     // a record was created (revision 0)
	KindEdit       // payload (or schema through migration) changed
	KindRelease    // the record was released and is now immutable
	KindState      // the secondary state number changed
	KindDelete     // the record became a tombstone
	KindCheckout   // a client borrowed the record
	KindCheckin    // the holder returned the borrow
	KindRevoke     // the server force-released a stale borrow
	KindRangeGrant // a key range was issued to a client

	// client side status notifications, never logged
	KindConnected        // handshake completed
	KindDisconnected     // connection lost, the client reconnects in the background
	KindIdentityMismatch // server identity differs from the pinned one, sync halted
	KindBorrowLost       // reconciliation reported a borrow as held by someone else
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "Create"
	case KindEdit:
		return "Edit"
	case KindRelease:
		return "Release"
	case KindState:
		return "State"
	case KindDelete:
		return "Delete"
	case KindCheckout:
		return "Checkout"
	case KindCheckin:
		return "Checkin"
	case KindRevoke:
		return "Revoke"
	case KindRangeGrant:
		return "RangeGrant"
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindIdentityMismatch:
		return "IdentityMismatch"
	case KindBorrowLost:
		return "BorrowLost"
	default:
		return "Unknown"
	}
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := KindCreate; candidate <= KindBorrowLost; candidate++ {
		if candidate.String() == name {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", name)
}

// IsRecord reports whether the change carries an envelope
func (k Kind) IsRecord() bool {
	return k >= KindCreate && k <= KindDelete
}

// IsBorrow reports whether the change carries a borrow record
func (k Kind) IsBorrow() bool {
	return k == KindCheckout || k == KindCheckin || k == KindRevoke || k == KindBorrowLost
}

// --------------------------------------------------------------------------
// Change
// --------------------------------------------------------------------------

// Change is one committed mutation of a tree. The same value is stored in the
// tree log, handed to indexer hooks, published on the bus and streamed to
// clients as the payload of an Update.
type Change struct {
	Tree     string           `json:"tree"`
	Cursor   uint64           `json:"cursor"` // position in the tree log, starting at 1
	Kind     Kind             `json:"kind"`
	Client   string           `json:"client,omitempty"` // client that caused the change
	Envelope *record.Envelope `json:"envelope,omitempty"`
	Borrow   *borrow.Record   `json:"borrow,omitempty"`
	Range    *keys.Range      `json:"range,omitempty"`
}

func (c Change) String() string {
	switch {
	case c.Envelope != nil:
		return fmt.Sprintf("%s#%d %s %s", c.Tree, c.Cursor, c.Kind, c.Envelope.Key)
	case c.Borrow != nil:
		return fmt.Sprintf("%s#%d %s %s by %s", c.Tree, c.Cursor, c.Kind, c.Borrow.Key.ID, c.Borrow.Holder)
	case c.Range != nil:
		return fmt.Sprintf("%s#%d %s %s", c.Tree, c.Cursor, c.Kind, c.Range)
	default:
		return fmt.Sprintf("%s#%d %s", c.Tree, c.Cursor, c.Kind)
	}
}

// Bit flags to indicate which optional parts are present
const (
	hasEnvelope byte = 1 << 0
	hasBorrow   byte = 1 << 1
	hasRange    byte = 1 << 2
)

// MarshalBinary encodes the change:
//
//	kind u8 | flags u8 | cursor u64 | tree | client | [envelope] | [borrow] | [range]
func (c Change) MarshalBinary() ([]byte, error) {
	var flags byte
	if c.Envelope != nil {
		flags |= hasEnvelope
	}
	if c.Borrow != nil {
		flags |= hasBorrow
	}
	if c.Range != nil {
		flags |= hasRange
	}

	e := util.NewEncoder(64)
	e.U8(uint8(c.Kind)).U8(flags).U64(c.Cursor).String(c.Tree).String(c.Client)
	if c.Envelope != nil {
		data, _ := c.Envelope.MarshalBinary()
		e.Bytes(data)
	}
	if c.Borrow != nil {
		c.Borrow.Encode(e)
	}
	if c.Range != nil {
		data, _ := c.Range.MarshalBinary()
		e.Bytes(data)
	}
	return e.Data(), nil
}

// UnmarshalBinary decodes a change written by MarshalBinary
func (c *Change) UnmarshalBinary(data []byte) error {
	d := util.NewDecoder(data)
	c.Kind = Kind(d.U8("kind"))
	flags := d.U8("flags")
	c.Cursor = d.U64("cursor")
	c.Tree = d.String("tree")
	c.Client = d.String("client")

	c.Envelope, c.Borrow, c.Range = nil, nil, nil
	if flags&hasEnvelope != 0 {
		raw := d.Bytes("envelope")
		if d.Err() == nil {
			env, err := record.Decode(raw)
			if err != nil {
				return err
			}
			c.Envelope = env
		}
	}
	if flags&hasBorrow != 0 {
		c.Borrow = &borrow.Record{}
		c.Borrow.Decode(d)
	}
	if flags&hasRange != 0 {
		raw := d.Bytes("range")
		if d.Err() == nil {
			c.Range = &keys.Range{}
			if err := c.Range.UnmarshalBinary(raw); err != nil {
				return err
			}
		}
	}
	if d.Err() != nil {
		return errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("decode change: %w", d.Err()))
	}
	return nil
}

// DecodeChange is a shorthand for UnmarshalBinary into a new change
func DecodeChange(data []byte) (Change, error) {
	var c Change
	err := c.UnmarshalBinary(data)
	return c, err
}
