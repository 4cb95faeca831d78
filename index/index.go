// Package index defines the contract every index engine implements, the
// fixed-width key formats engines store, and helpers for lazy scans.
//
// An index maps an encoded key to the storage location of a document. Keys
// are derived from records by a pair of functions: MakeKeyValue decides
// whether a record belongs to the index and extracts its logical key, and
// MakeKey encodes a logical key into the index's fixed-width KeyFormat.
package index

import (
	"github.com/google/uuid"

	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/storage"
)

// Status of an entry; shared with the storage layer.
type Status = storage.Status

const (
	StatusCurrent = storage.StatusCurrent
	StatusDeleted = storage.StatusDeleted
)

// Location points at a record in one of a database's storages.
type Location struct {
	Storage uint16
	Start   uint64
	Size    uint32
}

// Entry is one key of an index.
type Entry struct {
	Key []byte
	// Doc is the id of the document the entry belongs to.
	Doc uuid.UUID
	Location
	Status Status
}

// Live reports whether the entry has not been deleted.
func (e Entry) Live() bool {
	return e.Status == StatusCurrent
}

// Index is implemented by every index engine.
//
// Indexes are not safe for concurrent use.
type Index interface {
	Name() string
	// Files lists the files backing the index, relative to the database.
	Files() []string
	KeyFormat() KeyFormat
	// MakeKey encodes a logical key into the index's key format.
	MakeKey(key interface{}) ([]byte, error)
	// MakeKeyValue extracts the logical key of rec, or reports false if rec
	// is not part of this index.
	MakeKeyValue(rec map[string]interface{}) (interface{}, bool)

	Create() error
	Open() error
	Close() error
	Destroy() error
	Flush() error
	Fsync() error

	// Insert adds an entry for doc. For unique indexes an existing entry
	// under key is replaced.
	Insert(doc uuid.UUID, key []byte, loc Location) error
	// Update repoints the live entry of doc under key; it fails with
	// dberr.ErrRecordNotFound if there is none.
	Update(doc uuid.UUID, key []byte, loc Location) error
	// Delete tombstones the live entry of doc under key; it fails with
	// dberr.ErrRecordNotFound if there is none.
	Delete(doc uuid.UUID, key []byte) error

	// Get returns the entry under key, failing with dberr.ErrRecordNotFound
	// if it was never inserted and dberr.ErrRecordDeleted if it is tombstoned.
	Get(key []byte) (Entry, error)
	// GetMany scans the live entries under key.
	GetMany(key []byte) Scan
	// All scans every live entry, in an engine-specific order.
	All() Scan

	// Compact rewrites the index without tombstones.
	Compact() error
}

// RangeOptions bound a range scan.
type RangeOptions struct {
	Reverse      bool
	ExcludeStart bool
	ExcludeEnd   bool
	// Offset live entries are skipped, then at most Limit are returned
	// (0 means unlimited).
	Offset int
	Limit  int
}

// A Ranger is an index that keeps its keys ordered.
type Ranger interface {
	// Range scans live entries with start <= key <= end in key order (or
	// reverse key order). A nil bound is unbounded.
	Range(start, end []byte, opts RangeOptions) Scan
}

// Factory builds an index engine for a definition. It does not create or
// open any file.
type Factory func(filesys fs.Filesys, def Definition) (Index, error)
