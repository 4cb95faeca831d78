// Package storage implements the append-only record file behind a database.
//
// File layout:
//
//	header: format version (10 bytes) | zero padding (90 bytes)
//	records: record*
//
// Records are not delimited; readers rely on (start, size) pairs tracked by
// the indexes. Once written a record is never modified. Updates append a new
// record, and the old bytes stay in the file until the database is compacted.
package storage

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
)

const (
	// FormatVersion identifies the storage file format.
	FormatVersion = "docdb-0001"
	// HeaderSize is the size of the fixed header that precedes all records.
	HeaderSize = 100
)

// Status marks whether a location holds a live record.
type Status byte

const (
	StatusCurrent Status = 'c'
	StatusDeleted Status = 'd'
)

// Durability selects what Flush guarantees.
type Durability int

const (
	// DurabilityFlush hands writes to the operating system.
	DurabilityFlush Durability = iota
	// DurabilityFsync additionally forces every flush to stable storage.
	DurabilityFsync
)

// Options configures a Storage.
type Options struct {
	// Compress snappy-compresses records written from now on.
	Compress   bool
	Durability Durability
}

type flusher interface {
	Flush() error
	Fsync() error
}

type baseFlusher struct{ s *Storage }

func (b baseFlusher) Flush() error { return b.s.writePending() }
func (b baseFlusher) Fsync() error { return b.s.f.Sync() }

// fsyncFlusher follows every flush with an fsync.
type fsyncFlusher struct{ flusher }

func (f fsyncFlusher) Flush() error {
	if err := f.flusher.Flush(); err != nil {
		return err
	}
	return f.Fsync()
}

// A Storage is one append-only record file.
//
// Storage is not safe for concurrent use; the database serializes access.
type Storage struct {
	fs   fs.Filesys
	name string
	opts Options

	f       fs.File
	flusher flusher
	// offset of the end of the file, including pending bytes
	end int64
	// bytes appended but not yet written to f; they start at end-len(pending)
	pending []byte
}

// New creates a handle for the storage file fname. Call Create or Open before use.
func New(filesys fs.Filesys, fname string, opts Options) *Storage {
	s := &Storage{fs: filesys, name: fname, opts: opts}
	var fl flusher = baseFlusher{s}
	if opts.Durability == DurabilityFsync {
		fl = fsyncFlusher{fl}
	}
	s.flusher = fl
	return s
}

// Name returns the file name of the storage.
func (s *Storage) Name() string {
	return s.name
}

func storageErr(err error, format string, args ...interface{}) error {
	return errors.Wrapf(dberr.ErrStorage, format+": %v", append(args, err)...)
}

func header() []byte {
	h := make([]byte, HeaderSize)
	copy(h, FormatVersion)
	return h
}

// Create initializes a new, empty storage file.
func (s *Storage) Create() error {
	f, err := s.fs.Create(s.name)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errors.Wrapf(dberr.ErrStorage, "create %s: file exists", s.name)
		}
		return storageErr(err, "create %s", s.name)
	}
	if _, err := f.WriteAt(header(), 0); err != nil {
		f.Close()
		return storageErr(err, "write header of %s", s.name)
	}
	s.f = f
	s.end = HeaderSize
	s.pending = nil
	return s.Flush()
}

// Open attaches to an existing storage file, positioned at its end.
func (s *Storage) Open() error {
	f, err := s.fs.Open(s.name)
	if err != nil {
		return storageErr(err, "open %s", s.name)
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return storageErr(err, "stat %s", s.name)
	}
	if size < HeaderSize {
		f.Close()
		return errors.Wrapf(dberr.ErrStorage, "%s: short header (%d bytes)", s.name, size)
	}
	h := make([]byte, HeaderSize)
	if _, err := f.ReadAt(h, 0); err != nil {
		f.Close()
		return storageErr(err, "read header of %s", s.name)
	}
	if !bytes.Equal(h[:len(FormatVersion)], []byte(FormatVersion)) {
		f.Close()
		return errors.Wrapf(dberr.ErrStorage, "%s: unknown format %q", s.name, h[:len(FormatVersion)])
	}
	s.f = f
	s.end = size
	s.pending = nil
	return nil
}

func (s *Storage) writePending() error {
	if len(s.pending) == 0 {
		return nil
	}
	start := s.end - int64(len(s.pending))
	if _, err := s.f.WriteAt(s.pending, start); err != nil {
		return storageErr(err, "write %s at %d", s.name, start)
	}
	s.pending = s.pending[:0]
	return nil
}

// Flush writes buffered records out to the operating system (and, with
// DurabilityFsync, to stable storage).
func (s *Storage) Flush() error {
	if s.f == nil {
		return errors.Wrapf(dberr.ErrStorage, "%s is not open", s.name)
	}
	return s.flusher.Flush()
}

// Fsync forces written data to stable storage.
func (s *Storage) Fsync() error {
	if err := s.writePending(); err != nil {
		return err
	}
	return s.flusher.Fsync()
}

// AppendRaw appends already-encoded record bytes without flushing.
func (s *Storage) AppendRaw(b []byte) (start uint64, size uint32, err error) {
	if s.f == nil {
		return 0, 0, errors.Wrapf(dberr.ErrStorage, "%s is not open", s.name)
	}
	start = uint64(s.end)
	s.pending = append(s.pending, b...)
	s.end += int64(len(b))
	return start, uint32(len(b)), nil
}

// Save appends rec and flushes, returning where it was written.
func (s *Storage) Save(rec map[string]interface{}) (start uint64, size uint32, err error) {
	data, err := encodeRecord(rec, s.opts.Compress)
	if err != nil {
		return 0, 0, err
	}
	start, size, err = s.AppendRaw(data)
	if err != nil {
		return 0, 0, err
	}
	return start, size, s.Flush()
}

// Insert is Save.
func (s *Storage) Insert(rec map[string]interface{}) (uint64, uint32, error) {
	return s.Save(rec)
}

// Update is Save; the storage has no notion of in-place updates.
func (s *Storage) Update(rec map[string]interface{}) (uint64, uint32, error) {
	return s.Save(rec)
}

// GetRaw returns the encoded bytes of the record at (start, size).
func (s *Storage) GetRaw(start uint64, size uint32) ([]byte, error) {
	if s.f == nil {
		return nil, errors.Wrapf(dberr.ErrStorage, "%s is not open", s.name)
	}
	if start < HeaderSize || int64(start)+int64(size) > s.end {
		return nil, errors.Wrapf(dberr.ErrStorage, "%s: record (%d, %d) out of bounds", s.name, start, size)
	}
	if err := s.writePending(); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := s.f.ReadAt(b, int64(start)); err != nil {
		return nil, storageErr(err, "read %s at %d", s.name, start)
	}
	return b, nil
}

// Get decodes the record at (start, size).
//
// A deleted status returns nil without reading the file.
func (s *Storage) Get(start uint64, size uint32, status Status) (map[string]interface{}, error) {
	if status == StatusDeleted {
		return nil, nil
	}
	b, err := s.GetRaw(start, size)
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

// Size returns the logical size of the file, including unflushed records.
func (s *Storage) Size() int64 {
	return s.end
}

// Close releases the file handle. It does not flush.
func (s *Storage) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.pending = nil
	return err
}

// Destroy removes the storage file.
func (s *Storage) Destroy() error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := s.fs.Delete(s.name); err != nil {
		return storageErr(err, "destroy %s", s.name)
	}
	return nil
}
