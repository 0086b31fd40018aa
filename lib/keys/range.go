package keys

import (
	"fmt"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/util"
)

// Range is a contiguous block [Start, End) of ids granted to one client for
// one tree. Seq is the server's monotonic issuance sequence of the tree.
type Range struct {
	Tree   string `json:"tree" yaml:"tree"`
	Start  ID     `json:"start" yaml:"start"`
	End    ID     `json:"end" yaml:"end"`
	Client string `json:"client" yaml:"client"`
	Seq    uint64 `json:"seq" yaml:"seq"`
}

// Contains reports whether id lies in [Start, End)
func (r Range) Contains(id ID) bool {
	return id.Compare(r.Start) >= 0 && id.Less(r.End)
}

// Len returns the number of ids in the range
func (r Range) Len() uint64 {
	return r.End.Sub(r.Start)
}

// Overlaps reports whether both ranges share at least one id
func (r Range) Overlaps(o Range) bool {
	return r.Start.Less(o.End) && o.Start.Less(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%s,%s) -> %s #%d", r.Tree, r.Start, r.End, r.Client, r.Seq)
}

// MarshalBinary encodes the range
func (r Range) MarshalBinary() ([]byte, error) {
	e := util.NewEncoder(2*IDSize + 16 + len(r.Tree) + len(r.Client))
	r.encode(e)
	return e.Data(), nil
}

func (r Range) encode(e *util.Encoder) {
	e.String(r.Tree).Raw(r.Start.Bytes()).Raw(r.End.Bytes()).String(r.Client).U64(r.Seq)
}

// UnmarshalBinary decodes a range written by MarshalBinary
func (r *Range) UnmarshalBinary(data []byte) error {
	d := util.NewDecoder(data)
	r.decode(d)
	if d.Err() != nil {
		return errs.Wrap(errs.RetCInvalidOperation, fmt.Errorf("decode range: %w", d.Err()))
	}
	return nil
}

func (r *Range) decode(d *util.Decoder) {
	r.Tree = d.String("tree")
	r.Start, _ = IDFromBytes(d.Raw(IDSize, "start"))
	r.End, _ = IDFromBytes(d.Raw(IDSize, "end"))
	r.Client = d.String("client")
	r.Seq = d.U64("seq")
}
