package util

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Binary Encoding Helpers
// --------------------------------------------------------------------------

// Encoder appends big endian values to a growing buffer.
// Variable length fields carry a u32 length prefix, strings a u16 prefix.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

func (e *Encoder) U8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

func (e *Encoder) U16(v uint16) *Encoder {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	return e
}

func (e *Encoder) I64(v int64) *Encoder {
	return e.U64(uint64(v))
}

// Raw appends b without a length prefix
func (e *Encoder) Raw(b []byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Bytes appends b with a u32 length prefix
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// String appends s with a u16 length prefix
func (e *Encoder) String(s string) *Encoder {
	e.U16(uint16(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// Data returns the encoded bytes
func (e *Encoder) Data() []byte {
	return e.buf
}

// Decoder reads values written by Encoder. The first failure sticks: later
// reads return zero values and Err reports what went wrong.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

// NewDecoder creates a decoder over data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.err = fmt.Errorf("data too short for %s", what)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) U8(what string) uint8 {
	if b := d.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Bool(what string) bool {
	return d.U8(what) != 0
}

func (d *Decoder) U16(what string) uint16 {
	if b := d.take(2, what); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32(what string) uint32 {
	if b := d.take(4, what); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64(what string) uint64 {
	if b := d.take(8, what); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) I64(what string) int64 {
	return int64(d.U64(what))
}

// Raw reads exactly n bytes (copied)
func (d *Decoder) Raw(n int, what string) []byte {
	b := d.take(n, what)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Bytes reads a u32 length prefixed block (copied, never nil on success)
func (d *Decoder) Bytes(what string) []byte {
	n := d.U32(what + " length")
	b := d.take(int(n), what)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// String reads a u16 length prefixed string
func (d *Decoder) String(what string) string {
	n := d.U16(what + " length")
	return string(d.take(int(n), what))
}

// Remaining returns the number of unread bytes
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Err returns the first decoding error
func (d *Decoder) Err() error {
	return d.err
}
