package db

import (
	"github.com/tchajed/docdb/index"
)

// Record is a document: a map from field names to msgpack-encodable values.
//
// Records read back from a database hold int64, float64, string, []byte,
// bool, []interface{} and map[string]interface{} values; integers above
// math.MaxInt64 come back as uint64.
type Record = map[string]interface{}

const (
	// IDField holds a document's id, 32 hex digits.
	IDField = "_id"
	// RevField holds a document's revision, 8 hex digits, replaced on every
	// write.
	RevField = "_rev"
	// IDIndex is the primary index, present in every database.
	IDIndex = "id"
)

// RecordIterator is a lazy, finite sequence of records.
type RecordIterator interface {
	HasNext() bool
	Next() Record
	// Err reports the error that ended the iteration, if any.
	Err() error
}

// Store is the document API shared by Database, SuperThreadSafe and the
// in-memory reference implementation.
type Store interface {
	// Insert assigns rec an id (unless it has one) and a revision, and
	// stores it.
	Insert(rec Record) (id string, rev string, err error)
	// Update stores a new version of an existing document. rec must carry
	// the current revision.
	Update(rec Record) (rev string, err error)
	// Delete removes a document. rec must carry the current revision.
	Delete(rec Record) error

	Get(indexName string, key interface{}) (Record, error)
	GetMany(indexName string, key interface{}) RecordIterator
	Range(indexName string, start, end interface{}, opts index.RangeOptions) RecordIterator
	All(indexName string) RecordIterator
	Count(indexName string) (int, error)

	Compact() error
	Reindex(indexName string) error
	Close() error
}

// Collect reads it to completion.
func Collect(it RecordIterator) ([]Record, error) {
	var recs []Record
	for it.HasNext() {
		recs = append(recs, it.Next())
	}
	return recs, it.Err()
}
