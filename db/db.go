// Package db implements a document database over storages and indexes.
//
// A database directory holds:
//
//	_meta            storages and index layouts (see manifest.go)
//	_journal         committed file swaps of an unfinished compaction
//	{storage}_stor   append-only record files
//	{index}.hidx     hash indexes, {index}.tidx tree indexes,
//	{index}{i}.*     shards of sharded indexes
//
// Every document has an id and lives in exactly one storage location at a
// time; the primary "id" index maps ids to locations and every secondary
// index maps its keys to the same locations. Writes append a new record
// version and then update each index in turn; if an index update fails the
// record stays in storage as garbage until the next compaction.
package db

import (
	"bytes"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tchajed/docdb/cache"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/journal"
	"github.com/tchajed/docdb/storage"
)

type Database struct {
	fs   fs.Filesys
	opts Options
	log  logrus.FieldLogger
	mf   manifest

	storages   []*storage.Storage
	storageIDs map[string]uint16
	// indexes[0] is the id index; defs is parallel to indexes
	indexes []index.Index
	defs    []index.Definition
	byName  map[string]int
	journal *journal.Writer
	locks   *lockSet
	// incremented whenever files are swapped, to invalidate iterators
	gen    uint64
	closed bool
}

var _ Store = &Database{}

func newDatabase(filesys fs.Filesys, opts Options) (*Database, error) {
	applyDefaults(&opts)
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Database{
		fs:         filesys,
		opts:       opts,
		log:        opts.Logger,
		storageIDs: make(map[string]uint16),
		byName:     make(map[string]int),
		locks:      newLockSet(opts.Concurrency),
	}, nil
}

// Exists reports whether filesys holds a database.
func Exists(filesys fs.Filesys) bool {
	return filesys.Exists(metaFile)
}

// Create initializes a new database in filesys and opens it.
//
// Any files already in filesys are deleted, unless they form a database, in
// which case Create fails with dberr.ErrDatabaseExists.
func Create(filesys fs.Filesys, opts Options) (*Database, error) {
	if Exists(filesys) {
		return nil, dberr.ErrDatabaseExists
	}
	d, err := newDatabase(filesys, opts)
	if err != nil {
		return nil, err
	}
	if err := fs.DeleteAll(filesys); err != nil {
		return nil, errors.Wrapf(dberr.ErrStorage, "clear directory: %v", err)
	}
	d.mf = manifest{Version: manifestVersion}
	names := d.opts.Storages
	if len(names) == 0 {
		names = []string{defaultStorage}
	}
	for _, name := range names {
		if err := d.addStorage(name, true); err != nil {
			d.closeFiles()
			return nil, err
		}
	}
	defs := append([]index.Definition{idDefinition()}, d.opts.Indexes...)
	seen := make(map[string]bool)
	for i, def := range defs {
		if seen[def.Name] {
			d.closeFiles()
			return nil, errors.Wrapf(dberr.ErrIndexConflict, "index %s defined twice", def.Name)
		}
		seen[def.Name] = true
		if i > 0 && def.Name == IDIndex {
			d.closeFiles()
			return nil, errors.Wrapf(dberr.ErrIndexConflict, "index name %q is reserved", IDIndex)
		}
		if err := d.addIndex(def, true); err != nil {
			d.closeFiles()
			return nil, err
		}
	}
	if err := d.mf.write(d.fs); err != nil {
		d.closeFiles()
		return nil, err
	}
	if err := d.startJournal(); err != nil {
		d.closeFiles()
		return nil, err
	}
	d.log.WithFields(logrus.Fields{
		"storages": len(d.storages),
		"indexes":  len(d.indexes),
	}).Info("created database")
	return d, nil
}

// Open attaches to the database in filesys.
//
// A compaction interrupted after its commit point is completed first.
// Indexes in opts that the database does not have yet are created and
// filled from the existing documents; storages named in opts that it lacks
// are created.
func Open(filesys fs.Filesys, opts Options) (*Database, error) {
	d, err := newDatabase(filesys, opts)
	if err != nil {
		return nil, err
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	mf, err := readManifest(filesys)
	if err != nil {
		return nil, err
	}
	defs, added, err := mf.resolveIndexes(d.opts.Indexes)
	if err != nil {
		return nil, err
	}
	d.mf = manifest{Version: manifestVersion}
	for _, name := range mf.Storages {
		if err := d.addStorage(name, false); err != nil {
			d.closeFiles()
			return nil, err
		}
	}
	changed := false
	for _, name := range d.opts.Storages {
		if _, ok := d.storageIDs[name]; !ok {
			if err := d.addStorage(name, true); err != nil {
				d.closeFiles()
				return nil, err
			}
			changed = true
		}
	}
	for _, def := range defs {
		if err := d.addIndex(def, false); err != nil {
			d.closeFiles()
			return nil, err
		}
	}
	if err := d.cleanup(); err != nil {
		d.closeFiles()
		return nil, err
	}
	if err := d.startJournal(); err != nil {
		d.closeFiles()
		return nil, err
	}
	for _, def := range added {
		d.log.WithField("index", def.Name).Info("adding index")
		if err := d.addIndex(def, true); err != nil {
			d.closeFiles()
			return nil, err
		}
		if err := d.fill(len(d.indexes) - 1); err != nil {
			d.closeFiles()
			return nil, err
		}
		changed = true
	}
	if changed {
		if err := d.mf.write(d.fs); err != nil {
			d.closeFiles()
			return nil, err
		}
	}
	return d, nil
}

func (d *Database) startJournal() error {
	var f fs.File
	var err error
	if d.fs.Exists(journalFile) {
		f, err = d.fs.Open(journalFile)
	} else {
		f, err = d.fs.Create(journalFile)
	}
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "open %s: %v", journalFile, err)
	}
	j, err := journal.New(f)
	if err != nil {
		f.Close()
		return errors.Wrapf(dberr.ErrStorage, "start %s: %v", journalFile, err)
	}
	d.journal = j
	return nil
}

func (d *Database) addStorage(name string, create bool) error {
	if len(d.storages) > 0xffff {
		return errors.Wrap(dberr.ErrStorage, "too many storages")
	}
	s := storage.New(d.fs, storageFile(name), d.opts.storageOptions())
	var err error
	if create {
		err = s.Create()
	} else {
		err = s.Open()
	}
	if err != nil {
		return err
	}
	d.storageIDs[name] = uint16(len(d.storages))
	d.storages = append(d.storages, s)
	d.locks.addStorage()
	d.mf.Storages = append(d.mf.Storages, name)
	return nil
}

// buildIndex constructs the engine for def, behind a cache if configured.
func (d *Database) buildIndex(def index.Definition, cached bool) (index.Index, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	idx, err := d.opts.Registry.Build(d.fs, def)
	if err != nil {
		return nil, err
	}
	if !cached {
		return idx, nil
	}
	c, err := cache.New(d.opts.Cache.Kind, d.opts.Cache.Size)
	if err != nil {
		return nil, err
	}
	if c != nil && d.opts.Concurrency.Mode == ModeThreads {
		c = cache.Locked(c, d.opts.Concurrency.NewLock())
	}
	return index.NewCached(idx, c), nil
}

func (d *Database) addIndex(def index.Definition, create bool) error {
	def = def.WithDefaults()
	if _, dup := d.byName[def.Name]; dup {
		return errors.Wrapf(dberr.ErrIndexConflict, "index %s already exists", def.Name)
	}
	idx, err := d.buildIndex(def, true)
	if err != nil {
		return err
	}
	if create {
		err = idx.Create()
	} else {
		err = idx.Open()
	}
	if err != nil {
		return err
	}
	d.byName[def.Name] = len(d.indexes)
	d.indexes = append(d.indexes, idx)
	d.defs = append(d.defs, def)
	d.locks.addIndex(def.Name)
	d.mf.Indexes = append(d.mf.Indexes, layoutOnly(def))
	return nil
}

// AddIndex creates a new index and fills it from the existing documents.
func (d *Database) AddIndex(def index.Definition) error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.addIndex(def, true); err != nil {
		return err
	}
	if err := d.fill(len(d.indexes) - 1); err != nil {
		return err
	}
	d.log.WithField("index", def.Name).Info("added index")
	return d.mf.write(d.fs)
}

// fill indexes every live document into the i'th index.
func (d *Database) fill(i int) error {
	idx := d.indexes[i]
	return d.eachLive(func(e index.Entry, rec Record) error {
		k, ok, err := key(idx, rec)
		if err != nil {
			return err
		}
		return d.indexInsert(idx, e.Doc, indexKey{k, ok}, e.Location)
	})
}

// eachLive calls fn with every live document, in id index order.
func (d *Database) eachLive(fn func(e index.Entry, rec Record) error) error {
	it := d.indexes[0].All()()
	for it.HasNext() {
		e := it.Next()
		rec, err := d.readRecord(e)
		if err != nil {
			return err
		}
		if err := fn(e, rec); err != nil {
			return err
		}
	}
	return it.Err()
}

func (d *Database) checkOpen() error {
	if d.closed || len(d.indexes) == 0 {
		return dberr.ErrDatabaseClosed
	}
	return nil
}

// Definitions returns the index definitions, starting with the id index.
func (d *Database) Definitions() []index.Definition {
	return append([]index.Definition(nil), d.defs...)
}

// Storages returns the storage names, in storage id order.
func (d *Database) Storages() []string {
	return append([]string(nil), d.mf.Storages...)
}

// Index returns the named index. It must only be used while no other
// goroutine uses the database.
func (d *Database) Index(name string) (index.Index, error) {
	i, ok := d.byName[name]
	if !ok {
		return nil, errors.Wrapf(dberr.ErrIndexNotFound, "no index %q", name)
	}
	return d.indexes[i], nil
}

func (d *Database) lookup(name string) (index.Index, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.Index(name)
}

// Size is the total size of the database's files.
func (d *Database) Size() (int64, error) {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	return d.sizeLocked()
}

func (d *Database) sizeLocked() (int64, error) {
	names, err := d.fs.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range names {
		f, err := d.fs.Open(n)
		if err != nil {
			return 0, err
		}
		sz, err := f.Size()
		f.Close()
		if err != nil {
			return 0, err
		}
		total += sz
	}
	return total, nil
}

func (d *Database) flushAll() error {
	for _, s := range d.storages {
		if err := s.Flush(); err != nil {
			return err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Fsync forces every storage and index to stable storage.
func (d *Database) Fsync() error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	for _, s := range d.storages {
		if err := s.Fsync(); err != nil {
			return err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Fsync(); err != nil {
			return err
		}
	}
	return nil
}

// closeFiles closes every storage and index, reporting the first error.
func (d *Database) closeFiles() error {
	var first error
	for _, s := range d.storages {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil && first == nil {
			first = err
		}
		d.journal = nil
	}
	return first
}

// Close flushes and closes the database.
func (d *Database) Close() error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	err := d.flushAll()
	if err == nil && d.opts.Durability == DurabilityFsync {
		for _, s := range d.storages {
			if err = s.Fsync(); err != nil {
				break
			}
		}
	}
	if cerr := d.closeFiles(); err == nil {
		err = cerr
	}
	d.closed = true
	d.gen++
	return err
}

// Destroy closes the database and deletes all of its files.
func (d *Database) Destroy() error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.closeFiles()
	d.closed = true
	d.gen++
	for _, s := range d.storages {
		if err := s.Destroy(); err != nil {
			return err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Destroy(); err != nil {
			return err
		}
	}
	for _, f := range []string{journalFile, metaFile} {
		if err := d.fs.Delete(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(dberr.ErrStorage, "delete %s: %v", f, err)
		}
	}
	d.log.Info("destroyed database")
	return nil
}

func (d *Database) storageFor(rec Record) (uint16, error) {
	if d.opts.StorageSelector == nil {
		return 0, nil
	}
	name := d.opts.StorageSelector(rec)
	id, ok := d.storageIDs[name]
	if !ok {
		return 0, errors.Wrapf(dberr.ErrStorage, "no storage %q", name)
	}
	return id, nil
}

func (d *Database) save(rec Record) (index.Location, error) {
	id, err := d.storageFor(rec)
	if err != nil {
		return index.Location{}, err
	}
	l := d.locks.storage(id)
	l.Lock()
	defer l.Unlock()
	start, size, err := d.storages[id].Save(rec)
	if err != nil {
		return index.Location{}, err
	}
	return index.Location{Storage: id, Start: start, Size: size}, nil
}

func (d *Database) readRecord(e index.Entry) (Record, error) {
	if int(e.Storage) >= len(d.storages) {
		return nil, errors.Wrapf(dberr.ErrIndex, "entry for %s names storage %d", e.Doc, e.Storage)
	}
	l := d.locks.storage(e.Storage)
	l.Lock()
	defer l.Unlock()
	rec, err := d.storages[e.Storage].Get(e.Start, e.Size, e.Status)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Wrapf(dberr.ErrRecordDeleted, "document %s", e.Doc)
	}
	return rec, nil
}

func (d *Database) syncIndex(idx index.Index) error {
	if d.opts.Durability == DurabilityFsync {
		return idx.Fsync()
	}
	return nil
}

// key derives rec's key in idx; ok is false if rec is not in idx.
func key(idx index.Index, rec Record) (k []byte, ok bool, err error) {
	v, ok := idx.MakeKeyValue(rec)
	if !ok {
		return nil, false, nil
	}
	k, err = idx.MakeKey(v)
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

// indexKey is a record's key in one index, derived ahead of a write.
type indexKey struct {
	k  []byte
	ok bool
}

// keys derives rec's key in every index, so a key that cannot be encoded
// fails the write before anything is stored.
func (d *Database) keys(rec Record) ([]indexKey, error) {
	ks := make([]indexKey, len(d.indexes))
	for i, idx := range d.indexes {
		k, ok, err := key(idx, rec)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s", idx.Name())
		}
		ks[i] = indexKey{k, ok}
	}
	return ks, nil
}

func (d *Database) withIndex(idx index.Index, fn func() error) error {
	l := d.locks.index(idx.Name())
	l.Lock()
	defer l.Unlock()
	return fn()
}

// mutate is withIndex for writes; it honors the durability setting.
func (d *Database) mutate(idx index.Index, fn func() error) error {
	return d.withIndex(idx, func() error {
		if err := fn(); err != nil {
			return err
		}
		return d.syncIndex(idx)
	})
}

func (d *Database) indexInsert(idx index.Index, doc uuid.UUID, ik indexKey, loc index.Location) error {
	if !ik.ok {
		return nil
	}
	return d.mutate(idx, func() error {
		return idx.Insert(doc, ik.k, loc)
	})
}

// indexUpdate moves doc's entry in idx from the old record version to the
// new one.
func (d *Database) indexUpdate(idx index.Index, doc uuid.UUID, oldIK, newIK indexKey, loc index.Location) error {
	oldKey, wasIn := oldIK.k, oldIK.ok
	newKey, isIn := newIK.k, newIK.ok
	return d.mutate(idx, func() error {
		switch {
		case wasIn && isIn && bytes.Equal(oldKey, newKey):
			err := idx.Update(doc, newKey, loc)
			if errors.Is(err, dberr.ErrRecordNotFound) && idx != d.indexes[0] {
				// lost to another document under a unique key
				err = idx.Insert(doc, newKey, loc)
			}
			return err
		case wasIn:
			if err := idx.Delete(doc, oldKey); err != nil && !errors.Is(err, dberr.ErrRecordNotFound) {
				return err
			}
		}
		if isIn {
			return idx.Insert(doc, newKey, loc)
		}
		return nil
	})
}

func (d *Database) indexDelete(idx index.Index, doc uuid.UUID, old Record) error {
	k, ok, err := key(idx, old)
	if err != nil || !ok {
		return err
	}
	return d.mutate(idx, func() error {
		err := idx.Delete(doc, k)
		if errors.Is(err, dberr.ErrRecordNotFound) && idx != d.indexes[0] {
			return nil
		}
		return err
	})
}

func copyRecord(rec Record) Record {
	c := make(Record, len(rec)+2)
	for k, v := range rec {
		c[k] = v
	}
	return c
}

// Insert stores a new document. It gets a fresh id unless rec has an _id,
// which must not belong to a live document. The id and revision are also
// set in rec.
func (d *Database) Insert(rec Record) (string, string, error) {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	if err := d.checkOpen(); err != nil {
		return "", "", err
	}
	var doc uuid.UUID
	var id string
	if v, ok := rec[IDField]; ok {
		var err error
		if doc, err = ParseID(v); err != nil {
			return "", "", err
		}
		id = FormatID(doc)
	} else {
		doc, id = newID()
	}
	defer d.locks.lockDoc(doc)()

	ids := d.indexes[0]
	err := d.withIndex(ids, func() error {
		_, err := ids.Get(doc[:])
		return err
	})
	if err == nil {
		return "", "", errors.Wrapf(dberr.ErrIndexConflict, "document %s exists", id)
	}
	if !dberr.IsNotFound(err) {
		return "", "", err
	}

	stored := copyRecord(rec)
	stored[IDField] = id
	stored[RevField] = newRev()
	ks, err := d.keys(stored)
	if err != nil {
		return "", "", err
	}
	loc, err := d.save(stored)
	if err != nil {
		return "", "", err
	}
	for i, idx := range d.indexes {
		if err := d.indexInsert(idx, doc, ks[i], loc); err != nil {
			return "", "", err
		}
	}
	rec[IDField], rec[RevField] = id, stored[RevField]
	return id, stored[RevField].(string), nil
}

// current returns the stored version of rec's document.
func (d *Database) current(doc uuid.UUID) (Record, error) {
	ids := d.indexes[0]
	var e index.Entry
	err := d.withIndex(ids, func() error {
		var err error
		e, err = ids.Get(doc[:])
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "document %s", FormatID(doc))
	}
	return d.readRecord(e)
}

// Update stores a new version of a document. rec must have the _id and
// the current _rev of the document; the new revision is returned and set
// in rec.
func (d *Database) Update(rec Record) (string, error) {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	if err := d.checkOpen(); err != nil {
		return "", err
	}
	doc, err := recordID(rec)
	if err != nil {
		return "", err
	}
	defer d.locks.lockDoc(doc)()
	old, err := d.current(doc)
	if err != nil {
		return "", err
	}
	if err := checkRev(old, rec); err != nil {
		return "", err
	}
	stored := copyRecord(rec)
	stored[IDField] = FormatID(doc)
	stored[RevField] = newRev()
	oldKeys, err := d.keys(old)
	if err != nil {
		return "", err
	}
	newKeys, err := d.keys(stored)
	if err != nil {
		return "", err
	}
	loc, err := d.save(stored)
	if err != nil {
		return "", err
	}
	for i, idx := range d.indexes {
		if err := d.indexUpdate(idx, doc, oldKeys[i], newKeys[i], loc); err != nil {
			return "", err
		}
	}
	rev := stored[RevField].(string)
	rec[RevField] = rev
	return rev, nil
}

// Delete removes a document from every index. rec must have the _id and
// the current _rev of the document.
func (d *Database) Delete(rec Record) error {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	doc, err := recordID(rec)
	if err != nil {
		return err
	}
	defer d.locks.lockDoc(doc)()
	old, err := d.current(doc)
	if err != nil {
		return err
	}
	if err := checkRev(old, rec); err != nil {
		return err
	}
	// the id index goes last, so a failure leaves the document reachable
	for i := len(d.indexes) - 1; i >= 0; i-- {
		if err := d.indexDelete(d.indexes[i], doc, old); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the document under key in the named index.
func (d *Database) Get(indexName string, key interface{}) (Record, error) {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	idx, err := d.lookup(indexName)
	if err != nil {
		return nil, err
	}
	k, err := idx.MakeKey(key)
	if err != nil {
		return nil, err
	}
	var e index.Entry
	err = d.withIndex(idx, func() error {
		e, err = idx.Get(k)
		return err
	})
	if err != nil {
		return nil, err
	}
	return d.readRecord(e)
}

// GetMany iterates over the documents under key in the named index.
func (d *Database) GetMany(indexName string, key interface{}) RecordIterator {
	return d.iterate(indexName, func(idx index.Index) (index.Scan, error) {
		k, err := idx.MakeKey(key)
		if err != nil {
			return nil, err
		}
		return idx.GetMany(k), nil
	})
}

// Range iterates over the documents with keys between start and end in an
// ordered index; a nil bound is unbounded.
func (d *Database) Range(indexName string, start, end interface{}, opts index.RangeOptions) RecordIterator {
	return d.iterate(indexName, func(idx index.Index) (index.Scan, error) {
		r, ok := index.AsRanger(idx)
		if !ok {
			return nil, index.Unsupported(idx, "range")
		}
		var lo, hi []byte
		var err error
		if start != nil {
			if lo, err = idx.MakeKey(start); err != nil {
				return nil, err
			}
		}
		if end != nil {
			if hi, err = idx.MakeKey(end); err != nil {
				return nil, err
			}
		}
		return r.Range(lo, hi, opts), nil
	})
}

// All iterates over every document in the named index.
func (d *Database) All(indexName string) RecordIterator {
	return d.iterate(indexName, func(idx index.Index) (index.Scan, error) {
		return idx.All(), nil
	})
}

// Count counts the documents in the named index.
func (d *Database) Count(indexName string) (int, error) {
	d.locks.db.RLock()
	defer d.locks.db.RUnlock()
	idx, err := d.lookup(indexName)
	if err != nil {
		return 0, err
	}
	var n int
	err = d.withIndex(idx, func() error {
		n, err = index.Count(idx.All())
		return err
	})
	return n, err
}
