package keys

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/tKV/lib/errs"
	"github.com/ValentinKolb/tKV/lib/util"
)

// Pool is a client's supply of ids for one tree. It holds the granted ranges
// in ascending order and mints ids sequentially, without any network access.
type Pool struct {
	mu      sync.Mutex
	tree    string
	ranges  []Range  // unconsumed parts of the granted ranges, ascending by Start
	applied []uint64 // seqs of every grant applied, ascending
}

// NewPool creates an empty pool for tree
func NewPool(tree string) *Pool {
	return &Pool{tree: tree}
}

// Tree returns the tree the pool mints ids for
func (p *Pool) Tree() string {
	return p.tree
}

// Grant adds a range to the pool. Grants are applied idempotently: a range
// whose seq was already applied is ignored and false is returned. Grants may
// arrive in any seq order.
func (p *Pool) Grant(r Range) (bool, error) {
	if r.Tree != p.tree {
		return false, errs.Newf(errs.RetCWrongTree, "range for tree %q granted to pool of tree %q", r.Tree, p.tree)
	}
	if r.Len() == 0 {
		return false, errs.Newf(errs.RetCInvalidOperation, "empty range %s", r)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	at, seen := p.seen(r.Seq)
	if seen {
		return false, nil
	}
	for _, have := range p.ranges {
		if have.Overlaps(r) {
			return false, errs.Newf(errs.RetCConflict, "range %s overlaps granted range %s", r, have)
		}
	}

	p.ranges = append(p.ranges, r)
	sort.Slice(p.ranges, func(i, j int) bool { return p.ranges[i].Start.Less(p.ranges[j].Start) })
	if r.Seq != 0 {
		p.applied = append(p.applied, 0)
		copy(p.applied[at+1:], p.applied[at:])
		p.applied[at] = r.Seq
	}
	return true, nil
}

// seen reports whether seq was applied and where it belongs in p.applied.
// Seq 0 marks a range without an issuance entry and is never a duplicate.
func (p *Pool) seen(seq uint64) (int, bool) {
	at := sort.Search(len(p.applied), func(i int) bool { return p.applied[i] >= seq })
	return at, seq != 0 && at < len(p.applied) && p.applied[at] == seq
}

// Next mints the next id. It fails with RangeExhausted when no id is left.
func (p *Pool) Next() (ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ranges) == 0 {
		return ID{}, errs.Newf(errs.RetCRangeExhausted, "no id left for tree %q", p.tree)
	}

	id := p.ranges[0].Start
	p.ranges[0].Start = id.Next()
	if p.ranges[0].Len() == 0 {
		p.ranges = p.ranges[1:]
	}
	return id, nil
}

// Available returns the number of ids that can still be minted
func (p *Pool) Available() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n uint64
	for _, r := range p.ranges {
		n += r.Len()
	}
	return n
}

// BelowWatermark reports whether fewer than watermark ids are left
func (p *Pool) BelowWatermark(watermark uint64) bool {
	return p.Available() < watermark
}

// Ranges returns a copy of the unconsumed ranges
func (p *Pool) Ranges() []Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Range(nil), p.ranges...)
}

// LastSeq returns the highest grant seq applied
func (p *Pool) LastSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.applied) == 0 {
		return 0
	}
	return p.applied[len(p.applied)-1]
}

// Applied reports whether the grant with seq was applied
func (p *Pool) Applied(seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seen(seq)
	return ok
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// MarshalBinary captures the pool state, the client stores it in the same
// batch as every record it creates.
func (p *Pool) MarshalBinary() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := util.NewEncoder(64)
	e.String(p.tree).U32(uint32(len(p.applied)))
	for _, seq := range p.applied {
		e.U64(seq)
	}
	e.U32(uint32(len(p.ranges)))
	for _, r := range p.ranges {
		r.encode(e)
	}
	return e.Data(), nil
}

// UnmarshalBinary restores a pool state written by MarshalBinary
func (p *Pool) UnmarshalBinary(data []byte) error {
	d := util.NewDecoder(data)
	tree := d.String("tree")
	seqs := d.U32("seq count")
	applied := make([]uint64, 0, seqs)
	for i := uint32(0); i < seqs && d.Err() == nil; i++ {
		applied = append(applied, d.U64("seq"))
	}
	n := d.U32("range count")
	ranges := make([]Range, 0, n)
	for i := uint32(0); i < n && d.Err() == nil; i++ {
		var r Range
		r.decode(d)
		ranges = append(ranges, r)
	}
	if d.Err() != nil {
		return errs.Wrap(errs.RetCStorageIO, fmt.Errorf("decode key pool: %w", d.Err()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tree, p.applied, p.ranges = tree, applied, ranges
	return nil
}
