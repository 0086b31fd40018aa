package db

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------
// Engine independent snapshot format
// --------------------------------------------------------------------------

/*
Every engine writes the same stream so that a raft snapshot taken on a node
running pebble can be restored on a node running sqlite:

	magic (8 bytes) | version (1 byte) | writeIdx (8 bytes)
	repeated:  1 (1 byte) | treeLen (2) | tree | keyLen (4) | key | valueLen (4) | value
	end:       0 (1 byte)

All integers are little endian.
*/

const (
	snapshotMagic   = "TKVSNAP\x00"
	snapshotVersion = 1

	tagEntry byte = 1
	tagEnd   byte = 0
)

// SnapshotSource is the read side WriteSnapshot needs. Every KVDB is one,
// engines can also pass a point-in-time view of themselves.
type SnapshotSource interface {
	Trees() ([]string, error)
	Scan(tree string, from, to []byte, fn func(key, value []byte) bool) error
	WriteIdx() uint64
}

// WriteSnapshot streams every tree of src to w
func WriteSnapshot(w io.Writer, src SnapshotSource) error {
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(snapshotVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, src.WriteIdx()); err != nil {
		return err
	}

	trees, err := src.Trees()
	if err != nil {
		return err
	}

	for _, tree := range trees {
		var writeErr error
		scanErr := src.Scan(tree, nil, nil, func(key, value []byte) bool {
			writeErr = writeEntry(bw, tree, key, value)
			return writeErr == nil
		})
		if scanErr != nil {
			return scanErr
		}
		if writeErr != nil {
			return writeErr
		}
	}

	if err := bw.WriteByte(tagEnd); err != nil {
		return err
	}
	return bw.Flush()
}

func writeEntry(w *bufio.Writer, tree string, key, value []byte) error {
	if err := w.WriteByte(tagEntry); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(tree))); err != nil {
		return err
	}
	if _, err := w.WriteString(tree); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(key))); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(value))); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

// ReadSnapshot parses a stream written by WriteSnapshot and hands every entry
// to fn. It returns the write index stored in the snapshot header.
func ReadSnapshot(r io.Reader, fn func(tree string, key, value []byte) error) (uint64, error) {
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return 0, err
	}
	if string(magic) != snapshotMagic {
		return 0, fmt.Errorf("invalid snapshot format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version: %d (expected %d)", version, snapshotVersion)
	}

	var writeIdx uint64
	if err := binary.Read(br, binary.LittleEndian, &writeIdx); err != nil {
		return 0, err
	}

	for {
		tag, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if tag == tagEnd {
			return writeIdx, nil
		}
		if tag != tagEntry {
			return 0, fmt.Errorf("invalid snapshot entry tag %d", tag)
		}

		var treeLen uint16
		if err := binary.Read(br, binary.LittleEndian, &treeLen); err != nil {
			return 0, err
		}
		tree := make([]byte, treeLen)
		if _, err := io.ReadFull(br, tree); err != nil {
			return 0, err
		}

		key, err := readBlock(br)
		if err != nil {
			return 0, err
		}
		value, err := readBlock(br)
		if err != nil {
			return 0, err
		}

		if err := fn(string(tree), key, value); err != nil {
			return 0, err
		}
	}
}

func readBlock(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// LoadInto reads a snapshot and commits its entries to dst in batches of
// batchSize operations. The last batch carries the snapshot's write index.
// dst must be empty.
func LoadInto(r io.Reader, dst KVDB, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1024
	}
	b := NewBatch()
	writeIdx, err := ReadSnapshot(r, func(tree string, key, value []byte) error {
		b.Set(tree, key, value)
		if b.Len() >= batchSize {
			if err := dst.Commit(b); err != nil {
				return err
			}
			b.Reset()
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.SetWriteIdx(writeIdx)
	return dst.Commit(b)
}
