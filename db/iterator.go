package db

import (
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
)

// errIterator is an iterator that yields nothing but an error.
type errIterator struct {
	err error
}

func (it errIterator) HasNext() bool { return false }
func (it errIterator) Next() Record  { panic("Next on empty iterator") }
func (it errIterator) Err() error    { return it.err }

// recordIterator resolves index entries to records as it goes.
//
// The scan is started by the first HasNext. Every step locks the database
// afresh, so other operations interleave with an iteration; an iteration
// that spans a compaction or reindex fails rather than reading moved files.
type recordIterator struct {
	d      *Database
	idx    index.Index
	gen    uint64
	mkScan index.Scan

	it   index.EntryIterator
	next Record
	err  error
	done bool
}

func (d *Database) iterate(name string, mk func(idx index.Index) (index.Scan, error)) RecordIterator {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	idx, err := d.lookup(name)
	if err != nil {
		return errIterator{err}
	}
	scan, err := mk(idx)
	if err != nil {
		return errIterator{err}
	}
	return &recordIterator{d: d, idx: idx, gen: d.gen, mkScan: scan}
}

func (it *recordIterator) fail(err error) {
	it.err = err
	it.done = true
	it.next = nil
}

// step loads the next record, with the database read-locked.
func (it *recordIterator) step() {
	d := it.d
	if d.closed {
		it.fail(dberr.ErrDatabaseClosed)
		return
	}
	if d.gen != it.gen {
		it.fail(errors.Wrap(dberr.ErrIndex, "iteration interrupted by compaction"))
		return
	}
	var e index.Entry
	var ok bool
	err := d.withIndex(it.idx, func() error {
		if it.it == nil {
			it.it = it.mkScan()
		}
		if !it.it.HasNext() {
			return it.it.Err()
		}
		e, ok = it.it.Next(), true
		return nil
	})
	if err != nil {
		it.fail(err)
		return
	}
	if !ok {
		it.done = true
		return
	}
	rec, err := d.readRecord(e)
	if err != nil {
		it.fail(err)
		return
	}
	it.next = rec
}

func (it *recordIterator) HasNext() bool {
	if it.next != nil {
		return true
	}
	if it.done {
		return false
	}
	it.d.locks.db.RLock()
	it.step()
	it.d.locks.db.RUnlock()
	return it.next != nil
}

func (it *recordIterator) Next() Record {
	if !it.HasNext() {
		panic("Next on exhausted iterator")
	}
	rec := it.next
	it.next = nil
	return rec
}

func (it *recordIterator) Err() error {
	return it.err
}
