package tree

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/bin"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
)

// Page layout:
//
//	kind (1) | count (2) | prev (4) | next (4)
//	leaf:     count * (sort key | doc id (16) | storage (2) | start (8) | size (4) | status (1))
//	internal: (count+1) * child page (4) | count * sort key
//
// A sort key is the index key followed by an 8-byte big-endian sequence
// number. Page 0 holds the file header, so 0 doubles as the nil page.
const (
	kindLeaf     uint8 = 1
	kindInternal uint8 = 2

	nodeHeaderSize = 1 + 2 + 4 + 4
	seqSize        = 8
	valueSize      = 16 + 2 + 8 + 4 + 1
)

type value struct {
	doc    uuid.UUID
	loc    index.Location
	status index.Status
}

type node struct {
	id   uint32
	leaf bool
	// sibling leaves; unused for internal nodes
	prev, next uint32
	keys       [][]byte
	// leaf values, parallel to keys
	vals []value
	// internal nodes: len(keys)+1 children; keys[i] is the smallest key
	// under children[i+1]
	children []uint32
}

func pageSize(keySize, capacity int) int {
	sk := keySize + seqSize
	leaf := capacity * (sk + valueSize)
	internal := 4*(capacity+1) + capacity*sk
	if internal > leaf {
		leaf = internal
	}
	return nodeHeaderSize + leaf
}

// lowerBound is the position of the first key >= sk.
func (n *node) lowerBound(sk []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], sk) >= 0
	})
}

// upperBound is the position of the first key > sk.
func (n *node) upperBound(sk []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], sk) > 0
	})
}

// child returns the child that would hold sk.
func (n *node) child(sk []byte) uint32 {
	return n.children[n.upperBound(sk)]
}

func (n *node) entry(i, keySize int) index.Entry {
	v := n.vals[i]
	return index.Entry{
		Key:      append([]byte(nil), n.keys[i][:keySize]...),
		Doc:      v.doc,
		Location: v.loc,
		Status:   v.status,
	}
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func (t *Index) encodeNode(n *node) []byte {
	enc := bin.NewEncoder(t.pageSize)
	if n.leaf {
		enc.Uint8(kindLeaf)
	} else {
		enc.Uint8(kindInternal)
	}
	enc.Uint16(uint16(len(n.keys)))
	enc.Uint32(n.prev)
	enc.Uint32(n.next)
	if n.leaf {
		for i, k := range n.keys {
			v := n.vals[i]
			enc.Bytes(k)
			enc.Bytes(v.doc[:])
			enc.Uint16(v.loc.Storage)
			enc.Uint64(v.loc.Start)
			enc.Uint32(v.loc.Size)
			enc.Uint8(uint8(v.status))
		}
	} else {
		for _, c := range n.children {
			enc.Uint32(c)
		}
		for _, k := range n.keys {
			enc.Bytes(k)
		}
	}
	enc.PadTo(t.pageSize)
	return enc.Finish()
}

func (t *Index) decodeNode(id uint32, b []byte) (*node, error) {
	dec := bin.NewDecoder(b)
	kind := dec.Uint8()
	count := int(dec.Uint16())
	n := &node{id: id, prev: dec.Uint32(), next: dec.Uint32()}
	if count > t.capacity {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: page %d holds %d keys", t.Name(), id, count)
	}
	sk := t.sortKeySize()
	switch kind {
	case kindLeaf:
		n.leaf = true
		n.keys = make([][]byte, count)
		n.vals = make([]value, count)
		for i := 0; i < count; i++ {
			n.keys[i] = dec.Copy(sk)
			v := &n.vals[i]
			copy(v.doc[:], dec.Bytes(16))
			v.loc.Storage = dec.Uint16()
			v.loc.Start = dec.Uint64()
			v.loc.Size = dec.Uint32()
			v.status = index.Status(dec.Uint8())
		}
	case kindInternal:
		n.children = make([]uint32, count+1)
		for i := range n.children {
			n.children[i] = dec.Uint32()
		}
		n.keys = make([][]byte, count)
		for i := range n.keys {
			n.keys[i] = dec.Copy(sk)
		}
	default:
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: page %d has unknown kind %d", t.Name(), id, kind)
	}
	if err := dec.Err(); err != nil {
		return nil, t.errorf(err, "decode page %d", id)
	}
	return n, nil
}

func (t *Index) readNode(id uint32) (*node, error) {
	if id == 0 || id >= t.hdr.pages {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: page %d out of range", t.Name(), id)
	}
	if n, ok := t.nodes.Get(id); ok {
		return n.(*node), nil
	}
	b := make([]byte, t.pageSize)
	if _, err := t.f.ReadAt(b, int64(id)*int64(t.pageSize)); err != nil {
		return nil, t.errorf(err, "read page %d", id)
	}
	n, err := t.decodeNode(id, b)
	if err != nil {
		return nil, err
	}
	t.nodes.Add(id, n)
	return n, nil
}

func (t *Index) writeNode(n *node) error {
	if _, err := t.f.WriteAt(t.encodeNode(n), int64(n.id)*int64(t.pageSize)); err != nil {
		return t.errorf(err, "write page %d", n.id)
	}
	t.nodes.Add(n.id, n)
	return nil
}

func (t *Index) allocNode(leaf bool) *node {
	n := &node{id: t.hdr.pages, leaf: leaf}
	t.hdr.pages++
	return n
}
