package db

// Op is a single write of a batch. A nil Value with Delete set removes the key.
type Op struct {
	Tree   string
	Key    []byte
	Value  []byte
	Delete bool
}

// Batch collects writes that Commit applies atomically.
// Keys and values are copied on insertion, so callers may reuse their buffers.
// A Batch is not safe for concurrent use.
type Batch struct {
	ops      []Op
	writeIdx uint64
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Set stores value under key in tree
func (b *Batch) Set(tree string, key, value []byte) *Batch {
	b.ops = append(b.ops, Op{Tree: tree, Key: clone(key), Value: clone(value)})
	return b
}

// Delete removes key from tree
func (b *Batch) Delete(tree string, key []byte) *Batch {
	b.ops = append(b.ops, Op{Tree: tree, Key: clone(key), Delete: true})
	return b
}

// SetWriteIdx records the write index committed together with the batch
func (b *Batch) SetWriteIdx(idx uint64) *Batch {
	b.writeIdx = idx
	return b
}

// WriteIdx returns the write index carried by the batch (0 = none)
func (b *Batch) WriteIdx() uint64 {
	return b.writeIdx
}

// Ops returns the operations in insertion order
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of operations
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset empties the batch so it can be reused
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
	b.writeIdx = 0
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
