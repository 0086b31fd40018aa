package keys

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ValentinKolb/tKV/lib/errs"
)

// --------------------------------------------------------------------------
// ID
// --------------------------------------------------------------------------

// IDSize is the length of an encoded ID
const IDSize = 16

// ID is a 128-bit record identifier. The zero ID means "no id" and is never allocated.
type ID struct {
	Hi, Lo uint64
}

// Uint64 creates an ID from a 64-bit number
func Uint64(n uint64) ID {
	return ID{Lo: n}
}

// IsZero reports whether id is the zero ID
func (id ID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// Add returns id + n with carry into the high word
func (id ID) Add(n uint64) ID {
	lo := id.Lo + n
	hi := id.Hi
	if lo < id.Lo {
		hi++
	}
	return ID{Hi: hi, Lo: lo}
}

// Next returns id + 1
func (id ID) Next() ID {
	return id.Add(1)
}

// Compare returns -1, 0 or +1
func (id ID) Compare(o ID) int {
	switch {
	case id.Hi < o.Hi:
		return -1
	case id.Hi > o.Hi:
		return 1
	case id.Lo < o.Lo:
		return -1
	case id.Lo > o.Lo:
		return 1
	}
	return 0
}

// Less reports whether id < o
func (id ID) Less(o ID) bool {
	return id.Compare(o) < 0
}

// Sub returns id - o, saturated to the uint64 range (o must be <= id)
func (id ID) Sub(o ID) uint64 {
	if id.Compare(o) <= 0 {
		return 0
	}
	hi := id.Hi - o.Hi
	lo := id.Lo - o.Lo
	if id.Lo < o.Lo {
		hi--
	}
	if hi > 0 {
		return ^uint64(0)
	}
	return lo
}

// Bytes returns the 16 byte big endian encoding. Byte order equals numeric
// order, which keeps records sorted by id in every engine.
func (id ID) Bytes() []byte {
	b := make([]byte, IDSize)
	binary.BigEndian.PutUint64(b[0:8], id.Hi)
	binary.BigEndian.PutUint64(b[8:16], id.Lo)
	return b
}

// IDFromBytes decodes a 16 byte encoding
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDSize {
		return ID{}, errs.Newf(errs.RetCInvalidOperation, "id must be %d bytes, got %d", IDSize, len(b))
	}
	return ID{Hi: binary.BigEndian.Uint64(b[0:8]), Lo: binary.BigEndian.Uint64(b[8:16])}, nil
}

// String renders the id in decimal
func (id ID) String() string {
	if id.Hi == 0 {
		return strconv.FormatUint(id.Lo, 10)
	}
	n := new(big.Int).SetUint64(id.Hi)
	n.Lsh(n, 64)
	n.Or(n, new(big.Int).SetUint64(id.Lo))
	return n.String()
}

// MarshalText renders the id in decimal (used by the json and yaml encoders)
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a decimal id
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses a decimal id
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if lo, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ID{Lo: lo}, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 128 {
		return ID{}, errs.Newf(errs.RetCInvalidOperation, "invalid id %q", s)
	}
	lo := new(big.Int).And(n, new(big.Int).SetUint64(^uint64(0))).Uint64()
	hi := new(big.Int).Rsh(n, 64).Uint64()
	return ID{Hi: hi, Lo: lo}, nil
}

// --------------------------------------------------------------------------
// RecordKey
// --------------------------------------------------------------------------

// RecordKeySize is the length of an encoded RecordKey
const RecordKeySize = IDSize + 4

// RecordKey identifies one revision of a record
type RecordKey struct {
	ID       ID     `json:"id" yaml:"id"`
	Revision uint32 `json:"revision" yaml:"revision"`
}

// Bytes returns id (16 bytes) followed by the big endian revision (4 bytes)
func (k RecordKey) Bytes() []byte {
	b := make([]byte, RecordKeySize)
	binary.BigEndian.PutUint64(b[0:8], k.ID.Hi)
	binary.BigEndian.PutUint64(b[8:16], k.ID.Lo)
	binary.BigEndian.PutUint32(b[16:20], k.Revision)
	return b
}

// RecordKeyFromBytes decodes a 20 byte encoding
func RecordKeyFromBytes(b []byte) (RecordKey, error) {
	if len(b) != RecordKeySize {
		return RecordKey{}, errs.Newf(errs.RetCInvalidOperation, "record key must be %d bytes, got %d", RecordKeySize, len(b))
	}
	id, _ := IDFromBytes(b[:IDSize])
	return RecordKey{ID: id, Revision: binary.BigEndian.Uint32(b[IDSize:])}, nil
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s@%d", k.ID, k.Revision)
}
