package serializer

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/util"
	"github.com/ValentinKolb/tKV/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	msgType u8 | flags u16 | present fields in flag order
//
// Strings carry a u16 length prefix, Value a u32 prefix.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasTree     uint16 = 1 << 0
	hasClient   uint16 = 1 << 1
	hasIdentity uint16 = 1 << 2
	hasName     uint16 = 1 << 3
	hasID       uint16 = 1 << 4
	hasCursor   uint16 = 1 << 5
	hasN        uint16 = 1 << 6
	hasOp       uint16 = 1 << 7
	hasValue    uint16 = 1 << 8
	hasCode     uint16 = 1 << 9
	hasErr      uint16 = 1 << 10

	headerSize = 3
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	flags := b.flags(msg)
	e := util.NewEncoder(b.sizeBytes(msg)).U8(uint8(msg.MsgType)).U16(flags)

	if flags&hasTree != 0 {
		e.String(msg.Tree)
	}
	if flags&hasClient != 0 {
		e.String(msg.Client)
	}
	if flags&hasIdentity != 0 {
		e.String(msg.Identity)
	}
	if flags&hasName != 0 {
		e.String(msg.Name)
	}
	if flags&hasID != 0 {
		e.U64(msg.ID.Hi).U64(msg.ID.Lo)
	}
	if flags&hasCursor != 0 {
		e.U64(msg.Cursor)
	}
	if flags&hasN != 0 {
		e.U64(msg.N)
	}
	if flags&hasOp != 0 {
		e.U8(uint8(msg.Op))
	}
	if flags&hasValue != 0 {
		e.Bytes(msg.Value)
	}
	if flags&hasCode != 0 {
		e.U64(uint64(msg.Code))
	}
	if flags&hasErr != 0 {
		if len(msg.Err) > 0xFFFF {
			return nil, fmt.Errorf("error message too long: %d bytes", len(msg.Err))
		}
		e.String(msg.Err)
	}
	return e.Data(), nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < headerSize {
		return fmt.Errorf("data too short for message header")
	}

	d := util.NewDecoder(data)
	*msg = common.Message{MsgType: common.MessageType(d.U8("message type"))}
	flags := d.U16("flags")

	if flags&hasTree != 0 {
		msg.Tree = d.String("tree")
	}
	if flags&hasClient != 0 {
		msg.Client = d.String("client")
	}
	if flags&hasIdentity != 0 {
		msg.Identity = d.String("identity")
	}
	if flags&hasName != 0 {
		msg.Name = d.String("name")
	}
	if flags&hasID != 0 {
		msg.ID = keys.ID{Hi: d.U64("id"), Lo: d.U64("id")}
	}
	if flags&hasCursor != 0 {
		msg.Cursor = d.U64("cursor")
	}
	if flags&hasN != 0 {
		msg.N = d.U64("n")
	}
	if flags&hasOp != 0 {
		msg.Op = common.CommitOp(d.U8("op"))
	}
	if flags&hasValue != 0 {
		// an empty but present value stays a non nil slice
		msg.Value = d.Bytes("value")
	}
	if flags&hasCode != 0 {
		msg.Code = errs.RetCode(d.U64("code"))
	}
	if flags&hasErr != 0 {
		msg.Err = d.String("error")
	}
	return d.Err()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (b binarySerializerImpl) flags(msg common.Message) uint16 {
	var flags uint16
	set := func(cond bool, flag uint16) {
		if cond {
			flags |= flag
		}
	}
	set(msg.Tree != "", hasTree)
	set(msg.Client != "", hasClient)
	set(msg.Identity != "", hasIdentity)
	set(msg.Name != "", hasName)
	set(!msg.ID.IsZero(), hasID)
	set(msg.Cursor != 0, hasCursor)
	set(msg.N != 0, hasN)
	set(msg.Op != common.OpNone, hasOp)
	set(msg.Value != nil, hasValue)
	set(msg.Code != errs.RetCSuccess, hasCode)
	set(msg.Err != "", hasErr)
	return flags
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize
	for _, s := range []string{msg.Tree, msg.Client, msg.Identity, msg.Name, msg.Err} {
		if s != "" {
			size += 2 + len(s)
		}
	}
	if !msg.ID.IsZero() {
		size += 16
	}
	if msg.Cursor != 0 {
		size += 8
	}
	if msg.N != 0 {
		size += 8
	}
	if msg.Op != common.OpNone {
		size++
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Code != errs.RetCSuccess {
		size += 8
	}
	return size
}
