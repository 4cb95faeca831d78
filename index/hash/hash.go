// Package hash implements an unordered index with O(1) expected lookups.
//
// File layout:
//
//	header (64 bytes): magic | key size (2) | buckets (4) | entries (8) | end (8)
//	bucket table: buckets * 8-byte offset of the newest entry in the chain
//	entries: key | doc id (16) | storage (2) | start (8) | size (4) | status (1) | next (8)
//
// Entries are fixed-size and appended at the end of the file; each bucket is
// a singly-linked chain through the next offsets (0 terminates a chain).
// Every key has at most one entry: inserting an existing key overwrites it in
// place, and deleting marks it with a tombstone status until Compact.
package hash

import (
	"bytes"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/dgryski/go-farm"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/bin"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

const (
	magic      = "DDBHASH1"
	headerSize = 64
	// Ext is the extension of hash index files.
	Ext = ".hidx"

	entryOverhead = 16 + 2 + 8 + 4 + 1 + 8
	// entries read per I/O when scanning the whole file
	scanBatch = 256
)

type header struct {
	keySize uint16
	buckets uint32
	count   uint64
	end     uint64
}

type entry struct {
	key    []byte
	doc    uuid.UUID
	loc    index.Location
	status index.Status
	next   uint64
}

func (e entry) toIndex() index.Entry {
	return index.Entry{Key: e.key, Doc: e.doc, Location: e.loc, Status: e.status}
}

// Index is a hash index stored in a single file.
type Index struct {
	index.Base
	fs    fs.Filesys
	fname string

	f   fs.File
	hdr header
	// every key ever written since the file was opened or compacted
	filter *bloom.BloomFilter
}

var _ index.Index = &Index{}

// New creates a handle for the hash index def; call Create or Open before use.
func New(filesys fs.Filesys, def index.Definition) (*Index, error) {
	def = def.WithDefaults()
	if def.Buckets <= 0 {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: need a positive bucket count", def.Name)
	}
	base, err := index.NewBase(def)
	if err != nil {
		return nil, err
	}
	return &Index{
		Base:  base,
		fs:    filesys,
		fname: def.FileName(Ext),
	}, nil
}

// Factory builds hash indexes for a registry.
func Factory(filesys fs.Filesys, def index.Definition) (index.Index, error) {
	return New(filesys, def)
}

func (idx *Index) Files() []string {
	return []string{idx.fname}
}

func (idx *Index) errorf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(dberr.ErrIndex, "index %s: "+format+": %v",
		append(append([]interface{}{idx.Name()}, args...), err)...)
}

func (idx *Index) checkOpen() error {
	if idx.f == nil {
		return errors.Wrapf(dberr.ErrIndex, "index %s is not open", idx.Name())
	}
	return nil
}

func (idx *Index) entrySize() uint64 {
	return uint64(idx.hdr.keySize) + entryOverhead
}

func (idx *Index) dataStart() uint64 {
	return headerSize + 8*uint64(idx.hdr.buckets)
}

func (idx *Index) bucketOffset(key []byte) int64 {
	b := farm.Hash64(key) % uint64(idx.hdr.buckets)
	return headerSize + 8*int64(b)
}

func newFilter(n uint64) *bloom.BloomFilter {
	if n < 1024 {
		n = 1024
	}
	return bloom.NewWithEstimates(uint(2*n), 0.01)
}

func (h header) encode() []byte {
	enc := bin.NewEncoder(headerSize)
	enc.Bytes([]byte(magic))
	enc.Uint16(h.keySize)
	enc.Uint32(h.buckets)
	enc.Uint64(h.count)
	enc.Uint64(h.end)
	enc.PadTo(headerSize)
	return enc.Finish()
}

func decodeHeader(b []byte) (header, error) {
	dec := bin.NewDecoder(b)
	if string(dec.Bytes(len(magic))) != magic {
		return header{}, errors.New("bad magic")
	}
	h := header{
		keySize: dec.Uint16(),
		buckets: dec.Uint32(),
		count:   dec.Uint64(),
		end:     dec.Uint64(),
	}
	return h, dec.Err()
}

func (idx *Index) writeHeader() error {
	if _, err := idx.f.WriteAt(idx.hdr.encode(), 0); err != nil {
		return idx.errorf(err, "write header")
	}
	return nil
}

// Create initializes an empty index file.
func (idx *Index) Create() error {
	f, err := idx.fs.Create(idx.fname)
	if err != nil {
		return idx.errorf(err, "create %s", idx.fname)
	}
	idx.f = f
	def := idx.Definition()
	idx.hdr = header{
		keySize: uint16(idx.KeyFormat().Size()),
		buckets: uint32(def.Buckets),
	}
	idx.hdr.end = idx.dataStart()
	if err := idx.writeHeader(); err != nil {
		return err
	}
	table := make([]byte, 8*int(idx.hdr.buckets))
	if _, err := idx.f.WriteAt(table, headerSize); err != nil {
		return idx.errorf(err, "write bucket table")
	}
	idx.filter = newFilter(0)
	return nil
}

// Open attaches to an existing index file and rebuilds the key filter.
func (idx *Index) Open() error {
	f, err := idx.fs.Open(idx.fname)
	if err != nil {
		return idx.errorf(err, "open %s", idx.fname)
	}
	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		f.Close()
		return idx.errorf(err, "read header")
	}
	h, err := decodeHeader(b)
	if err != nil {
		f.Close()
		return idx.errorf(err, "decode header")
	}
	if int(h.keySize) != idx.KeyFormat().Size() || int(h.buckets) != idx.Definition().Buckets {
		f.Close()
		return errors.Wrapf(dberr.ErrIndex, "index %s: file has %d-byte keys in %d buckets, want %d in %d",
			idx.Name(), h.keySize, h.buckets, idx.KeyFormat().Size(), idx.Definition().Buckets)
	}
	idx.f = f
	idx.hdr = h
	if h.end < idx.dataStart() || (h.end-idx.dataStart())%idx.entrySize() != 0 {
		idx.Close()
		return errors.Wrapf(dberr.ErrIndex, "index %s: bad end offset %d", idx.Name(), h.end)
	}
	idx.filter = newFilter(h.count)
	it := idx.scan(true)
	for it.HasNext() {
		idx.filter.Add(it.Next().Key)
	}
	if err := it.Err(); err != nil {
		idx.Close()
		return err
	}
	return nil
}

func (idx *Index) Close() error {
	if idx.f == nil {
		return nil
	}
	err := idx.f.Close()
	idx.f = nil
	return err
}

func (idx *Index) Destroy() error {
	idx.Close()
	if err := idx.fs.Delete(idx.fname); err != nil {
		return idx.errorf(err, "destroy %s", idx.fname)
	}
	return nil
}

// Flush is a no-op beyond checking the index is open: every mutation is
// written through.
func (idx *Index) Flush() error {
	return idx.checkOpen()
}

func (idx *Index) Fsync() error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	return idx.f.Sync()
}

func (idx *Index) decodeEntry(dec *bin.Decoder) entry {
	var e entry
	e.key = dec.Copy(int(idx.hdr.keySize))
	copy(e.doc[:], dec.Bytes(16))
	e.loc.Storage = dec.Uint16()
	e.loc.Start = dec.Uint64()
	e.loc.Size = dec.Uint32()
	e.status = index.Status(dec.Uint8())
	e.next = dec.Uint64()
	return e
}

func (idx *Index) readEntry(off uint64) (entry, error) {
	b := make([]byte, idx.entrySize())
	if _, err := idx.f.ReadAt(b, int64(off)); err != nil {
		return entry{}, idx.errorf(err, "read entry at %d", off)
	}
	dec := bin.NewDecoder(b)
	e := idx.decodeEntry(dec)
	if err := dec.Err(); err != nil {
		return entry{}, idx.errorf(err, "decode entry at %d", off)
	}
	return e, nil
}

func (idx *Index) writeEntry(off uint64, e entry) error {
	enc := bin.NewEncoder(int(idx.entrySize()))
	enc.Bytes(e.key)
	enc.Bytes(e.doc[:])
	enc.Uint16(e.loc.Storage)
	enc.Uint64(e.loc.Start)
	enc.Uint32(e.loc.Size)
	enc.Uint8(uint8(e.status))
	enc.Uint64(e.next)
	if _, err := idx.f.WriteAt(enc.Finish(), int64(off)); err != nil {
		return idx.errorf(err, "write entry at %d", off)
	}
	return nil
}

func (idx *Index) readBucket(key []byte) (uint64, error) {
	b := make([]byte, 8)
	off := idx.bucketOffset(key)
	if _, err := idx.f.ReadAt(b, off); err != nil {
		return 0, idx.errorf(err, "read bucket at %d", off)
	}
	return bin.NewDecoder(b).Uint64(), nil
}

func (idx *Index) writeBucket(key []byte, head uint64) error {
	enc := bin.NewEncoder(8)
	enc.Uint64(head)
	off := idx.bucketOffset(key)
	if _, err := idx.f.WriteAt(enc.Finish(), off); err != nil {
		return idx.errorf(err, "write bucket at %d", off)
	}
	return nil
}

// find walks key's chain. It returns offset 0 if key has no entry.
func (idx *Index) find(key []byte) (uint64, entry, error) {
	off, err := idx.readBucket(key)
	if err != nil {
		return 0, entry{}, err
	}
	for steps := uint64(0); off != 0; steps++ {
		if steps > idx.hdr.count || off < idx.dataStart() || off >= idx.hdr.end {
			return 0, entry{}, errors.Wrapf(dberr.ErrIndex, "index %s: corrupt chain at %d", idx.Name(), off)
		}
		e, err := idx.readEntry(off)
		if err != nil {
			return 0, entry{}, err
		}
		if bytes.Equal(e.key, key) {
			return off, e, nil
		}
		off = e.next
	}
	return 0, entry{}, nil
}

func (idx *Index) prepare(key []byte) error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	return idx.CheckKey(key)
}

func (idx *Index) Insert(doc uuid.UUID, key []byte, loc index.Location) error {
	if err := idx.prepare(key); err != nil {
		return err
	}
	off, e, err := idx.find(key)
	if err != nil {
		return err
	}
	if off != 0 {
		e.doc, e.loc, e.status = doc, loc, index.StatusCurrent
		return idx.writeEntry(off, e)
	}
	head, err := idx.readBucket(key)
	if err != nil {
		return err
	}
	off = idx.hdr.end
	e = entry{
		key:    append([]byte(nil), key...),
		doc:    doc,
		loc:    loc,
		status: index.StatusCurrent,
		next:   head,
	}
	if err := idx.writeEntry(off, e); err != nil {
		return err
	}
	if err := idx.writeBucket(key, off); err != nil {
		return err
	}
	idx.hdr.end += idx.entrySize()
	idx.hdr.count++
	idx.filter.Add(key)
	return idx.writeHeader()
}

// findLive returns the entry under key if it is live and belongs to doc.
func (idx *Index) findLive(doc uuid.UUID, key []byte) (uint64, entry, error) {
	if err := idx.prepare(key); err != nil {
		return 0, entry{}, err
	}
	if !idx.filter.Test(key) {
		return 0, entry{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s", idx.Name())
	}
	off, e, err := idx.find(key)
	if err != nil {
		return 0, entry{}, err
	}
	if off == 0 || e.status != index.StatusCurrent || e.doc != doc {
		return 0, entry{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s: no live entry for %s", idx.Name(), doc)
	}
	return off, e, nil
}

func (idx *Index) Update(doc uuid.UUID, key []byte, loc index.Location) error {
	off, e, err := idx.findLive(doc, key)
	if err != nil {
		return err
	}
	e.loc = loc
	return idx.writeEntry(off, e)
}

func (idx *Index) Delete(doc uuid.UUID, key []byte) error {
	off, e, err := idx.findLive(doc, key)
	if err != nil {
		return err
	}
	e.status = index.StatusDeleted
	return idx.writeEntry(off, e)
}

func (idx *Index) Get(key []byte) (index.Entry, error) {
	if err := idx.prepare(key); err != nil {
		return index.Entry{}, err
	}
	if !idx.filter.Test(key) {
		return index.Entry{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s", idx.Name())
	}
	off, e, err := idx.find(key)
	if err != nil {
		return index.Entry{}, err
	}
	if off == 0 {
		return index.Entry{}, errors.Wrapf(dberr.ErrRecordNotFound, "index %s", idx.Name())
	}
	if e.status != index.StatusCurrent {
		return e.toIndex(), errors.Wrapf(dberr.ErrRecordDeleted, "index %s", idx.Name())
	}
	return e.toIndex(), nil
}

// GetMany yields the live entry under key, if there is one.
func (idx *Index) GetMany(key []byte) index.Scan {
	key = append([]byte(nil), key...)
	return func() index.EntryIterator {
		e, err := idx.Get(key)
		if err != nil {
			if dberr.IsNotFound(err) {
				return index.Slice()()
			}
			return index.Failed(err)()
		}
		return index.Slice(e)()
	}
}

// All scans live entries in the order they were first inserted.
func (idx *Index) All() index.Scan {
	return func() index.EntryIterator {
		return idx.scan(false)
	}
}

type fileIterator struct {
	idx       *Index
	off, end  uint64
	tombstone bool
	buf       []index.Entry
	err       error
}

// scan iterates over the entries present when it is called, including
// tombstones if asked to.
func (idx *Index) scan(tombstones bool) *fileIterator {
	if err := idx.checkOpen(); err != nil {
		return &fileIterator{err: err}
	}
	return &fileIterator{
		idx:       idx,
		off:       idx.dataStart(),
		end:       idx.hdr.end,
		tombstone: tombstones,
	}
}

func (it *fileIterator) fill() {
	size := it.idx.entrySize()
	for len(it.buf) == 0 && it.off < it.end && it.err == nil {
		if err := it.idx.checkOpen(); err != nil {
			it.err = err
			return
		}
		n := (it.end - it.off) / size
		if n > scanBatch {
			n = scanBatch
		}
		b := make([]byte, n*size)
		if _, err := it.idx.f.ReadAt(b, int64(it.off)); err != nil {
			it.err = it.idx.errorf(err, "scan at %d", it.off)
			return
		}
		dec := bin.NewDecoder(b)
		for i := uint64(0); i < n; i++ {
			e := it.idx.decodeEntry(dec)
			if it.tombstone || e.status == index.StatusCurrent {
				it.buf = append(it.buf, e.toIndex())
			}
		}
		it.off += n * size
	}
}

func (it *fileIterator) HasNext() bool {
	if it.err != nil {
		return false
	}
	it.fill()
	return len(it.buf) > 0
}

func (it *fileIterator) Next() index.Entry {
	e := it.buf[0]
	it.buf = it.buf[1:]
	return e
}

func (it *fileIterator) Err() error {
	return it.err
}

// Len is the number of entries in the file, including tombstones.
func (idx *Index) Len() uint64 {
	return idx.hdr.count
}

// Compact rewrites the file with only live entries.
func (idx *Index) Compact() error {
	if err := idx.checkOpen(); err != nil {
		return err
	}
	def := idx.Definition()
	def.Suffix += ".tmp"
	tmp, err := New(idx.fs, def)
	if err != nil {
		return err
	}
	if err := tmp.Create(); err != nil {
		return err
	}
	it := idx.scan(false)
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
	idx.Close()
	if err := idx.fs.Rename(tmp.fname, idx.fname); err != nil {
		return idx.errorf(err, "replace %s", idx.fname)
	}
	return idx.Open()
}
