package internal

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/borrow"
	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/record"
	"github.com/ValentinKolb/tKV/lib/util"
)

// EncodeCheckout encodes the result of a checkout: the borrow record followed
// by the current revision of the record
func EncodeCheckout(rec borrow.Record, env *record.Envelope) []byte {
	e := util.NewEncoder(128)
	rec.Encode(e)
	e.Bytes(env.MustEncode())
	return e.Data()
}

// DecodeCheckout decodes a result written by EncodeCheckout
func DecodeCheckout(data []byte) (borrow.Record, *record.Envelope, error) {
	d := util.NewDecoder(data)
	var rec borrow.Record
	rec.Decode(d)
	raw := d.Bytes("envelope")
	if d.Err() != nil {
		return rec, nil, errs.Wrap(errs.RetCInternalError, fmt.Errorf("decode checkout result: %w", d.Err()))
	}
	env, err := record.Decode(raw)
	return rec, env, err
}
