package db

import (
	"sync"

	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

// SuperThreadSafe serializes every operation on a Store behind one lock,
// including each step of an iteration.
type SuperThreadSafe struct {
	mu sync.Locker
	s  Store
}

var _ Store = &SuperThreadSafe{}

// NewSuperThreadSafe wraps s; a nil lock uses a sync.Mutex.
func NewSuperThreadSafe(s Store, l sync.Locker) *SuperThreadSafe {
	if l == nil {
		l = new(sync.Mutex)
	}
	return &SuperThreadSafe{mu: l, s: s}
}

// Unwrap returns the wrapped store. Using it directly bypasses the lock.
func (t *SuperThreadSafe) Unwrap() Store {
	return t.s
}

func (t *SuperThreadSafe) Insert(rec Record) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Insert(rec)
}

func (t *SuperThreadSafe) Update(rec Record) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Update(rec)
}

func (t *SuperThreadSafe) Delete(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Delete(rec)
}

func (t *SuperThreadSafe) Get(indexName string, key interface{}) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Get(indexName, key)
}

func (t *SuperThreadSafe) locked(mk func() RecordIterator) RecordIterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &lockedIterator{mu: t.mu, it: mk()}
}

func (t *SuperThreadSafe) GetMany(indexName string, key interface{}) RecordIterator {
	return t.locked(func() RecordIterator { return t.s.GetMany(indexName, key) })
}

func (t *SuperThreadSafe) Range(indexName string, start, end interface{}, opts index.RangeOptions) RecordIterator {
	return t.locked(func() RecordIterator { return t.s.Range(indexName, start, end, opts) })
}

func (t *SuperThreadSafe) All(indexName string) RecordIterator {
	return t.locked(func() RecordIterator { return t.s.All(indexName) })
}

func (t *SuperThreadSafe) Count(indexName string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Count(indexName)
}

func (t *SuperThreadSafe) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Compact()
}

func (t *SuperThreadSafe) Reindex(indexName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Reindex(indexName)
}

func (t *SuperThreadSafe) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Close()
}

type lockedIterator struct {
	mu sync.Locker
	it RecordIterator
}

func (it *lockedIterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.it.HasNext()
}

func (it *lockedIterator) Next() Record {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.it.Next()
}

func (it *lockedIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.it.Err()
}

// OpenStore opens the database in filesys as a Store, wrapped in
// SuperThreadSafe under ModeSuper.
func OpenStore(filesys fs.Filesys, opts Options) (Store, error) {
	d, err := Open(filesys, opts)
	if err != nil {
		return nil, err
	}
	return d.store(), nil
}

// CreateStore is Create for a Store; see OpenStore.
func CreateStore(filesys fs.Filesys, opts Options) (Store, error) {
	d, err := Create(filesys, opts)
	if err != nil {
		return nil, err
	}
	return d.store(), nil
}

func (d *Database) store() Store {
	if d.opts.Concurrency.Mode == ModeSuper {
		return NewSuperThreadSafe(d, d.opts.Concurrency.NewLock())
	}
	return d
}
