// Package tree implements ordered indexes as an on-disk B+ tree.
//
// The file is a sequence of fixed-size pages; page 0 is the header and the
// rest are nodes. Leaves are linked in both directions for ascending and
// descending scans. Inserts split full nodes on the way back up, so every
// leaf is at the same depth. Deletes only mark entries, and Compact rebuilds
// the tree without them.
//
// The unique variant keeps one entry per key (last writer wins). The multi
// variant keeps every entry, ordered by insertion within a key: entries are
// sorted by the key followed by a per-file insertion sequence number.
package tree

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/bin"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

const (
	magic = "DDBTREE1"
	// Ext is the extension of tree index files.
	Ext = ".tidx"

	headerSize = 8 + 2 + 2 + 1 + 4 + 4 + 8
	// nodes kept decoded in memory
	nodeCacheSize = 512
)

type header struct {
	keySize  uint16
	capacity uint16
	multi    bool
	root     uint32
	pages    uint32
	seq      uint64
}

// Index is a tree index stored in a single file.
type Index struct {
	index.Base
	fs       fs.Filesys
	fname    string
	multi    bool
	capacity int
	pageSize int

	f     fs.File
	hdr   header
	nodes *lru.LRU
}

var (
	_ index.Index  = &Index{}
	_ index.Ranger = &Index{}
)

func newIndex(filesys fs.Filesys, def index.Definition, multi bool) (*Index, error) {
	def = def.WithDefaults()
	if def.NodeCapacity < 2 || def.NodeCapacity > 1<<15 {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: bad node capacity %d", def.Name, def.NodeCapacity)
	}
	base, err := index.NewBase(def)
	if err != nil {
		return nil, err
	}
	nodes, err := lru.NewLRU(nodeCacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &Index{
		Base:     base,
		fs:       filesys,
		fname:    def.FileName(Ext),
		multi:    multi,
		capacity: def.NodeCapacity,
		pageSize: pageSize(base.KeyFormat().Size(), def.NodeCapacity),
		nodes:    nodes,
	}, nil
}

// New creates a handle for a unique tree index; call Create or Open before use.
func New(filesys fs.Filesys, def index.Definition) (*Index, error) {
	return newIndex(filesys, def, false)
}

// NewMulti creates a handle for a tree index that allows duplicate keys.
func NewMulti(filesys fs.Filesys, def index.Definition) (*Index, error) {
	return newIndex(filesys, def, true)
}

// Factory builds unique tree indexes for a registry.
func Factory(filesys fs.Filesys, def index.Definition) (index.Index, error) {
	return New(filesys, def)
}

// MultiFactory builds multi tree indexes for a registry.
func MultiFactory(filesys fs.Filesys, def index.Definition) (index.Index, error) {
	return NewMulti(filesys, def)
}

func (t *Index) Files() []string {
	return []string{t.fname}
}

// Multi reports whether the index allows duplicate keys.
func (t *Index) Multi() bool {
	return t.multi
}

func (t *Index) errorf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(dberr.ErrIndex, "index %s: "+format+": %v",
		append(append([]interface{}{t.Name()}, args...), err)...)
}

func (t *Index) checkOpen() error {
	if t.f == nil {
		return errors.Wrapf(dberr.ErrIndex, "index %s is not open", t.Name())
	}
	return nil
}

func (t *Index) keySize() int {
	return int(t.hdr.keySize)
}

func (t *Index) sortKeySize() int {
	return t.KeyFormat().Size() + seqSize
}

func (t *Index) sortKey(key []byte, seq uint64) []byte {
	sk := make([]byte, len(key)+seqSize)
	copy(sk, key)
	binary.BigEndian.PutUint64(sk[len(key):], seq)
	return sk
}

func (h header) encode() []byte {
	enc := bin.NewEncoder(headerSize)
	enc.Bytes([]byte(magic))
	enc.Uint16(h.keySize)
	enc.Uint16(h.capacity)
	if h.multi {
		enc.Uint8(1)
	} else {
		enc.Uint8(0)
	}
	enc.Uint32(h.root)
	enc.Uint32(h.pages)
	enc.Uint64(h.seq)
	return enc.Finish()
}

func decodeHeader(b []byte) (header, error) {
	dec := bin.NewDecoder(b)
	if string(dec.Bytes(len(magic))) != magic {
		return header{}, errors.New("bad magic")
	}
	h := header{
		keySize:  dec.Uint16(),
		capacity: dec.Uint16(),
		multi:    dec.Uint8() == 1,
		root:     dec.Uint32(),
		pages:    dec.Uint32(),
		seq:      dec.Uint64(),
	}
	return h, dec.Err()
}

func (t *Index) writeHeader() error {
	if _, err := t.f.WriteAt(t.hdr.encode(), 0); err != nil {
		return t.errorf(err, "write header")
	}
	return nil
}

// Create initializes a file holding an empty tree.
func (t *Index) Create() error {
	f, err := t.fs.Create(t.fname)
	if err != nil {
		return t.errorf(err, "create %s", t.fname)
	}
	t.f = f
	t.nodes.Purge()
	t.hdr = header{
		keySize:  uint16(t.KeyFormat().Size()),
		capacity: uint16(t.capacity),
		multi:    t.multi,
		pages:    1,
	}
	root := t.allocNode(true)
	t.hdr.root = root.id
	// the header page is padded out so the first node lands on a page boundary
	if _, err := t.f.WriteAt(make([]byte, t.pageSize), 0); err != nil {
		return t.errorf(err, "write header page")
	}
	if err := t.writeNode(root); err != nil {
		return err
	}
	return t.writeHeader()
}

// Open attaches to an existing index file.
func (t *Index) Open() error {
	f, err := t.fs.Open(t.fname)
	if err != nil {
		return t.errorf(err, "open %s", t.fname)
	}
	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		f.Close()
		return t.errorf(err, "read header")
	}
	h, err := decodeHeader(b)
	if err != nil {
		f.Close()
		return t.errorf(err, "decode header")
	}
	if int(h.keySize) != t.KeyFormat().Size() || int(h.capacity) != t.capacity || h.multi != t.multi {
		f.Close()
		return errors.Wrapf(dberr.ErrIndex,
			"index %s: file has %d-byte keys, capacity %d, multi %v; want %d, %d, %v",
			t.Name(), h.keySize, h.capacity, h.multi, t.KeyFormat().Size(), t.capacity, t.multi)
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return t.errorf(err, "stat %s", t.fname)
	}
	if h.pages < 2 || h.root == 0 || h.root >= h.pages || size < int64(h.pages)*int64(t.pageSize) {
		f.Close()
		return errors.Wrapf(dberr.ErrIndex, "index %s: truncated file (%d pages, %d bytes)", t.Name(), h.pages, size)
	}
	t.f = f
	t.hdr = h
	t.nodes.Purge()
	return nil
}

func (t *Index) Close() error {
	t.nodes.Purge()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func (t *Index) Destroy() error {
	t.Close()
	if err := t.fs.Delete(t.fname); err != nil {
		return t.errorf(err, "destroy %s", t.fname)
	}
	return nil
}

// Flush is a no-op beyond checking the index is open: pages are written
// through.
func (t *Index) Flush() error {
	return t.checkOpen()
}

func (t *Index) Fsync() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.f.Sync()
}

// descend returns the path from the root to the leaf that would hold sk.
func (t *Index) descend(sk []byte) ([]*node, error) {
	var path []*node
	id := t.hdr.root
	for {
		n, err := t.readNode(id)
		if err != nil {
			return nil, err
		}
		path = append(path, n)
		if n.leaf {
			return path, nil
		}
		if len(path) > 64 {
			return nil, errors.Wrapf(dberr.ErrIndex, "index %s: tree too deep", t.Name())
		}
		id = n.child(sk)
	}
}

// edgeLeaf returns the leftmost or rightmost leaf.
func (t *Index) edgeLeaf(right bool) (*node, error) {
	n, err := t.readNode(t.hdr.root)
	for depth := 0; err == nil && !n.leaf; depth++ {
		if depth > 64 {
			return nil, errors.Wrapf(dberr.ErrIndex, "index %s: tree too deep", t.Name())
		}
		c := n.children[0]
		if right {
			c = n.children[len(n.children)-1]
		}
		n, err = t.readNode(c)
	}
	return n, err
}

func (t *Index) prepare(key []byte) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.CheckKey(key)
}

func (t *Index) Insert(doc uuid.UUID, key []byte, loc index.Location) error {
	if err := t.prepare(key); err != nil {
		return err
	}
	before := t.hdr
	seq := uint64(0)
	if t.multi {
		t.hdr.seq++
		seq = t.hdr.seq
	}
	sk := t.sortKey(key, seq)
	path, err := t.descend(sk)
	if err != nil {
		t.hdr = before
		return err
	}
	leaf := path[len(path)-1]
	v := value{doc: doc, loc: loc, status: index.StatusCurrent}
	i := leaf.lowerBound(sk)
	if i < len(leaf.keys) && bytes.Equal(leaf.keys[i], sk) {
		leaf.vals[i] = v
		err = t.writeNode(leaf)
	} else {
		leaf.keys = insertAt(leaf.keys, i, sk)
		leaf.vals = insertAt(leaf.vals, i, v)
		err = t.rebalance(path)
	}
	if err != nil {
		return err
	}
	if t.hdr != before {
		return t.writeHeader()
	}
	return nil
}

// rebalance writes the leaf at the end of path, splitting it and its
// ancestors as long as they are over capacity.
func (t *Index) rebalance(path []*node) error {
	n := path[len(path)-1]
	if len(n.keys) <= t.capacity {
		return t.writeNode(n)
	}
	var right *node
	var sep []byte
	if n.leaf {
		right, sep = t.splitLeaf(n)
		if right.next != 0 {
			next, err := t.readNode(right.next)
			if err != nil {
				return err
			}
			next.prev = right.id
			if err := t.writeNode(next); err != nil {
				return err
			}
		}
	} else {
		right, sep = t.splitInternal(n)
	}
	if err := t.writeNode(right); err != nil {
		return err
	}
	if err := t.writeNode(n); err != nil {
		return err
	}
	if len(path) == 1 {
		root := t.allocNode(false)
		root.keys = [][]byte{sep}
		root.children = []uint32{n.id, right.id}
		t.hdr.root = root.id
		return t.writeNode(root)
	}
	parent := path[len(path)-2]
	pos := parent.upperBound(sep)
	parent.keys = insertAt(parent.keys, pos, sep)
	parent.children = insertAt(parent.children, pos+1, right.id)
	return t.rebalance(path[:len(path)-1])
}

func (t *Index) splitLeaf(n *node) (*node, []byte) {
	mid := len(n.keys) / 2
	right := t.allocNode(true)
	right.keys = append([][]byte(nil), n.keys[mid:]...)
	right.vals = append([]value(nil), n.vals[mid:]...)
	n.keys = append([][]byte(nil), n.keys[:mid]...)
	n.vals = append([]value(nil), n.vals[:mid]...)
	right.prev, right.next = n.id, n.next
	n.next = right.id
	return right, right.keys[0]
}

func (t *Index) splitInternal(n *node) (*node, []byte) {
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := t.allocNode(false)
	right.keys = append([][]byte(nil), n.keys[mid+1:]...)
	right.children = append([]uint32(nil), n.children[mid+1:]...)
	n.keys = append([][]byte(nil), n.keys[:mid]...)
	n.children = append([]uint32(nil), n.children[:mid+1]...)
	return right, sep
}

// cursor is a position in the leaf chain.
type cursor struct {
	leaf *node
	i    int
}

func (c cursor) valid() bool {
	return c.leaf != nil && c.i >= 0 && c.i < len(c.leaf.keys)
}

// seek returns the first entry with sort key >= sk.
func (t *Index) seek(sk []byte) (cursor, error) {
	path, err := t.descend(sk)
	if err != nil {
		return cursor{}, err
	}
	c := cursor{leaf: path[len(path)-1]}
	c.i = c.leaf.lowerBound(sk)
	return t.skipForward(c)
}

// skipForward moves a cursor past the end of a leaf to the next non-empty leaf.
func (t *Index) skipForward(c cursor) (cursor, error) {
	for c.i >= len(c.leaf.keys) && c.leaf.next != 0 {
		next, err := t.readNode(c.leaf.next)
		if err != nil {
			return cursor{}, err
		}
		c = cursor{leaf: next}
	}
	return c, nil
}

func (t *Index) advance(c cursor) (cursor, error) {
	c.i++
	return t.skipForward(c)
}

// run calls fn on each entry under key in insertion order until fn
// returns false.
func (t *Index) run(key []byte, fn func(c cursor) bool) error {
	c, err := t.seek(t.sortKey(key, 0))
	for err == nil && c.valid() && bytes.Equal(c.leaf.keys[c.i][:len(key)], key) {
		if !fn(c) {
			return nil
		}
		c, err = t.advance(c)
	}
	return err
}

// findLive locates the live entry of doc under key.
func (t *Index) findLive(doc uuid.UUID, key []byte) (cursor, error) {
	if err := t.prepare(key); err != nil {
		return cursor{}, err
	}
	var found cursor
	err := t.run(key, func(c cursor) bool {
		v := c.leaf.vals[c.i]
		if v.doc == doc && v.status == index.StatusCurrent {
			found = c
			return false
		}
		return true
	})
	if err != nil {
		return cursor{}, err
	}
	if found.leaf == nil {
		return cursor{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s: no live entry for %s", t.Name(), doc)
	}
	return found, nil
}

func (t *Index) Update(doc uuid.UUID, key []byte, loc index.Location) error {
	c, err := t.findLive(doc, key)
	if err != nil {
		return err
	}
	c.leaf.vals[c.i].loc = loc
	return t.writeNode(c.leaf)
}

func (t *Index) Delete(doc uuid.UUID, key []byte) error {
	c, err := t.findLive(doc, key)
	if err != nil {
		return err
	}
	c.leaf.vals[c.i].status = index.StatusDeleted
	return t.writeNode(c.leaf)
}

// Get returns the first live entry under key. If every entry under key is
// deleted it returns the last one with dberr.ErrRecordDeleted.
func (t *Index) Get(key []byte) (index.Entry, error) {
	if err := t.prepare(key); err != nil {
		return index.Entry{}, err
	}
	var e index.Entry
	found, live := false, false
	err := t.run(key, func(c cursor) bool {
		e = c.leaf.entry(c.i, t.keySize())
		found = true
		live = e.Live()
		return !live
	})
	switch {
	case err != nil:
		return index.Entry{}, err
	case !found:
		return index.Entry{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s", t.Name())
	case !live:
		return e, errors.Wrapf(dberr.ErrRecordDeleted, "index %s", t.Name())
	}
	return e, nil
}

// GetMany scans the live entries under key in insertion order.
func (t *Index) GetMany(key []byte) index.Scan {
	return t.Range(key, key, index.RangeOptions{})
}

// All scans live entries in key order.
func (t *Index) All() index.Scan {
	return t.Range(nil, nil, index.RangeOptions{})
}

// Height is the number of levels in the tree.
func (t *Index) Height() (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	h := 1
	n, err := t.readNode(t.hdr.root)
	for err == nil && !n.leaf {
		h++
		n, err = t.readNode(n.children[0])
	}
	return h, err
}

// Compact rebuilds the tree with only live entries.
func (t *Index) Compact() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	def := t.Definition()
	def.Suffix += ".tmp"
	tmp, err := newIndex(t.fs, def, t.multi)
	if err != nil {
		return err
	}
	if err := tmp.Create(); err != nil {
		return err
	}
	it := t.All()()
	for it.HasNext() {
		e := it.Next()
		if err := tmp.Insert(e.Doc, e.Key, e.Location); err != nil {
			tmp.Destroy()
			return err
		}
	}
	if err := it.Err(); err != nil {
		tmp.Destroy()
		return err
	}
	if err := tmp.Fsync(); err != nil {
		tmp.Destroy()
		return err
	}
	tmp.Close()
	t.Close()
	if err := t.fs.Rename(tmp.fname, t.fname); err != nil {
		return t.errorf(err, "replace %s", t.fname)
	}
	return t.Open()
}
