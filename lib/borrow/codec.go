package borrow

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/keys"
	"github.com/ValentinKolb/tKV/lib/util"
)

// Encode appends the key to e
func (k Key) Encode(e *util.Encoder) {
	e.String(k.Tree).Raw(k.ID.Bytes())
}

// Decode reads a key from d, errors stick in d
func (k *Key) Decode(d *util.Decoder) {
	k.Tree = d.String("tree")
	k.ID, _ = keys.IDFromBytes(d.Raw(keys.IDSize, "id"))
}

func (k Key) String() string {
	return k.Tree + "/" + k.ID.String()
}

// EncodeKeys encodes a list of keys (u32 count followed by the keys)
func EncodeKeys(ks []Key) []byte {
	e := util.NewEncoder(4 + len(ks)*24)
	e.U32(uint32(len(ks)))
	for _, k := range ks {
		k.Encode(e)
	}
	return e.Data()
}

// DecodeKeys decodes a list written by EncodeKeys
func DecodeKeys(data []byte) ([]Key, error) {
	d := util.NewDecoder(data)
	n := d.U32("key count")
	out := make([]Key, 0, min(int(n), len(data)/18+1))
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var k Key
		k.Decode(d)
		out = append(out, k)
	}
	if d.Err() != nil {
		return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("decode borrow keys: %w", d.Err()))
	}
	return out, nil
}

// EncodeRecords encodes a list of borrow records
func EncodeRecords(rs []Record) []byte {
	e := util.NewEncoder(4 + len(rs)*48)
	e.U32(uint32(len(rs)))
	for _, r := range rs {
		r.Encode(e)
	}
	return e.Data()
}

// DecodeRecords decodes a list written by EncodeRecords
func DecodeRecords(data []byte) ([]Record, error) {
	d := util.NewDecoder(data)
	n := d.U32("record count")
	out := make([]Record, 0, min(int(n), len(data)/30+1))
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var r Record
		r.Decode(d)
		out = append(out, r)
	}
	if d.Err() != nil {
		return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("decode borrow records: %w", d.Err()))
	}
	return out, nil
}

// EncodeOutcomes encodes reconciliation outcomes
func EncodeOutcomes(os []Outcome) []byte {
	e := util.NewEncoder(4 + len(os)*40)
	e.U32(uint32(len(os)))
	for _, o := range os {
		o.Key.Encode(e)
		e.Bool(o.Granted).String(o.Holder)
	}
	return e.Data()
}

// DecodeOutcomes decodes outcomes written by EncodeOutcomes
func DecodeOutcomes(data []byte) ([]Outcome, error) {
	d := util.NewDecoder(data)
	n := d.U32("outcome count")
	out := make([]Outcome, 0, min(int(n), len(data)/21+1))
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var o Outcome
		o.Key.Decode(d)
		o.Granted = d.Bool("granted")
		o.Holder = d.String("holder")
		out = append(out, o)
	}
	if d.Err() != nil {
		return nil, errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("decode outcomes: %w", d.Err()))
	}
	return out, nil
}
