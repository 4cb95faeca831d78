// Package memdb is an in-memory db.Store with the same document and index
// semantics as a database, used as a reference in tests and benchmarks.
//
// Indexes are modeled, not stored: each index is a list of entries and
// every operation is a linear scan.
package memdb

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/db"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/storage"
)

type entry struct {
	key  []byte
	doc  uuid.UUID
	seq  uint64
	live bool
}

type memIndex struct {
	def     index.Definition
	keys    index.KeyFuncs
	format  index.KeyFormat
	multi   bool
	ordered bool
	entries []entry
	seq     uint64
}

func (idx *memIndex) makeKey(v interface{}) ([]byte, error) {
	k, err := idx.keys.MakeKey(v)
	if err != nil {
		return nil, err
	}
	if len(k) != idx.format.Size() {
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "index %s: key is %d bytes, want %d",
			idx.def.Name, len(k), idx.format.Size())
	}
	return k, nil
}

func (idx *memIndex) recordKey(rec db.Record) ([]byte, bool, error) {
	v, ok := idx.keys.MakeKeyValue(rec)
	if !ok {
		return nil, false, nil
	}
	k, err := idx.makeKey(v)
	return k, err == nil, err
}

func (idx *memIndex) insert(doc uuid.UUID, key []byte) {
	if !idx.multi {
		for i := range idx.entries {
			if bytes.Equal(idx.entries[i].key, key) {
				idx.entries[i].doc = doc
				idx.entries[i].live = true
				return
			}
		}
	}
	idx.seq++
	idx.entries = append(idx.entries, entry{key: key, doc: doc, seq: idx.seq, live: true})
}

// remove tombstones doc's live entry under key, if it has one.
func (idx *memIndex) remove(doc uuid.UUID, key []byte) bool {
	for i, e := range idx.entries {
		if e.live && e.doc == doc && bytes.Equal(e.key, key) {
			idx.entries[i].live = false
			return true
		}
	}
	return false
}

func (idx *memIndex) has(doc uuid.UUID, key []byte) bool {
	for _, e := range idx.entries {
		if e.live && e.doc == doc && bytes.Equal(e.key, key) {
			return true
		}
	}
	return false
}

// live returns the live entries, in key order for ordered indexes.
func (idx *memIndex) live() []entry {
	var es []entry
	for _, e := range idx.entries {
		if e.live {
			es = append(es, e)
		}
	}
	if idx.ordered {
		sort.SliceStable(es, func(i, j int) bool {
			if c := bytes.Compare(es[i].key, es[j].key); c != 0 {
				return c < 0
			}
			return es[i].seq < es[j].seq
		})
	}
	return es
}

type Memdb struct {
	docs    map[uuid.UUID]db.Record
	indexes map[string]*memIndex
	order   []*memIndex
	closed  bool
}

var _ db.Store = &Memdb{}

// New creates a store with the id index and the given indexes.
func New(defs ...index.Definition) (*Memdb, error) {
	m := &Memdb{
		docs:    make(map[uuid.UUID]db.Record),
		indexes: make(map[string]*memIndex),
	}
	id := index.Definition{Name: db.IDIndex, Kind: index.KindHash, KeyFormat: "16s"}
	id.MakeKeyValue = func(rec map[string]interface{}) (interface{}, bool) {
		v, ok := rec[db.IDField]
		return v, ok
	}
	id.MakeKey = func(v interface{}) ([]byte, error) {
		doc, err := db.ParseID(v)
		return doc[:], err
	}
	for _, def := range append([]index.Definition{id}, defs...) {
		def = def.WithDefaults()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.indexes[def.Name]; dup {
			return nil, errors.Wrapf(dberr.ErrIndexConflict, "index %s defined twice", def.Name)
		}
		keys, err := def.Keys()
		if err != nil {
			return nil, err
		}
		format, err := index.ParseKeyFormat(def.KeyFormat)
		if err != nil {
			return nil, err
		}
		kind := def.Kind
		if kind == index.KindSharded {
			kind = def.ShardKind
		}
		idx := &memIndex{
			def:     def,
			keys:    keys,
			format:  format,
			multi:   kind == index.KindMultiTree,
			ordered: def.Kind == index.KindTree || def.Kind == index.KindMultiTree,
		}
		m.indexes[def.Name] = idx
		m.order = append(m.order, idx)
	}
	return m, nil
}

func (m *Memdb) index(name string) (*memIndex, error) {
	if m.closed {
		return nil, dberr.ErrDatabaseClosed
	}
	idx, ok := m.indexes[name]
	if !ok {
		return nil, errors.Wrapf(dberr.ErrIndexNotFound, "no index %q", name)
	}
	return idx, nil
}

func newRev() string {
	r := uuid.New()
	return db.FormatID(r)[:8]
}

func (m *Memdb) current(rec db.Record) (uuid.UUID, db.Record, error) {
	if m.closed {
		return uuid.UUID{}, nil, dberr.ErrDatabaseClosed
	}
	v, ok := rec[db.IDField]
	if !ok {
		return uuid.UUID{}, nil, errors.Wrapf(dberr.ErrRecordNotFound, "record has no %s", db.IDField)
	}
	doc, err := db.ParseID(v)
	if err != nil {
		return doc, nil, err
	}
	old, ok := m.docs[doc]
	if !ok {
		return doc, nil, errors.Wrapf(dberr.ErrRecordNotFound, "document %s", db.FormatID(doc))
	}
	if old[db.RevField] != rec[db.RevField] {
		return doc, nil, errors.Wrapf(dberr.ErrRevConflict, "document %s", db.FormatID(doc))
	}
	return doc, old, nil
}

type indexKey struct {
	k  []byte
	ok bool
}

// keys derives rec's key in every index before anything changes.
func (m *Memdb) keys(rec db.Record) ([]indexKey, error) {
	ks := make([]indexKey, len(m.order))
	for i, idx := range m.order {
		k, ok, err := idx.recordKey(rec)
		if err != nil {
			return nil, err
		}
		ks[i] = indexKey{k, ok}
	}
	return ks, nil
}

func (m *Memdb) Insert(rec db.Record) (string, string, error) {
	if m.closed {
		return "", "", dberr.ErrDatabaseClosed
	}
	doc := uuid.New()
	if v, ok := rec[db.IDField]; ok {
		var err error
		if doc, err = db.ParseID(v); err != nil {
			return "", "", err
		}
		if _, exists := m.docs[doc]; exists {
			return "", "", errors.Wrapf(dberr.ErrIndexConflict, "document %s exists", db.FormatID(doc))
		}
	}
	stored, err := storage.Clone(rec)
	if err != nil {
		return "", "", err
	}
	id, rev := db.FormatID(doc), newRev()
	stored[db.IDField], stored[db.RevField] = id, rev
	ks, err := m.keys(stored)
	if err != nil {
		return "", "", err
	}
	for i, idx := range m.order {
		if ks[i].ok {
			idx.insert(doc, ks[i].k)
		}
	}
	m.docs[doc] = stored
	rec[db.IDField], rec[db.RevField] = id, rev
	return id, rev, nil
}

func (m *Memdb) Update(rec db.Record) (string, error) {
	doc, old, err := m.current(rec)
	if err != nil {
		return "", err
	}
	stored, err := storage.Clone(rec)
	if err != nil {
		return "", err
	}
	rev := newRev()
	stored[db.IDField], stored[db.RevField] = db.FormatID(doc), rev
	oldKeys, err := m.keys(old)
	if err != nil {
		return "", err
	}
	newKeys, err := m.keys(stored)
	if err != nil {
		return "", err
	}
	for i, idx := range m.order {
		oldKey, wasIn := oldKeys[i].k, oldKeys[i].ok
		newKey, isIn := newKeys[i].k, newKeys[i].ok
		if wasIn && isIn && bytes.Equal(oldKey, newKey) && idx.has(doc, newKey) {
			continue
		}
		if wasIn {
			idx.remove(doc, oldKey)
		}
		if isIn {
			idx.insert(doc, newKey)
		}
	}
	m.docs[doc] = stored
	rec[db.RevField] = rev
	return rev, nil
}

func (m *Memdb) Delete(rec db.Record) error {
	doc, old, err := m.current(rec)
	if err != nil {
		return err
	}
	for _, idx := range m.order {
		k, ok, err := idx.recordKey(old)
		if err != nil {
			return err
		}
		if ok {
			idx.remove(doc, k)
		}
	}
	delete(m.docs, doc)
	return nil
}

func (m *Memdb) records(es []entry) db.RecordIterator {
	recs := make([]db.Record, 0, len(es))
	for _, e := range es {
		rec, _ := storage.Clone(m.docs[e.doc])
		recs = append(recs, rec)
	}
	return &sliceIterator{recs: recs}
}

func (m *Memdb) Get(indexName string, key interface{}) (db.Record, error) {
	idx, err := m.index(indexName)
	if err != nil {
		return nil, err
	}
	k, err := idx.makeKey(key)
	if err != nil {
		return nil, err
	}
	deleted := false
	for _, e := range idx.live() {
		if bytes.Equal(e.key, k) {
			return storage.Clone(m.docs[e.doc])
		}
	}
	for _, e := range idx.entries {
		if bytes.Equal(e.key, k) {
			deleted = true
		}
	}
	if deleted {
		return nil, errors.Wrapf(dberr.ErrRecordDeleted, "index %s", indexName)
	}
	return nil, errors.Wrapf(dberr.ErrRecordNotFound, "index %s", indexName)
}

func (m *Memdb) GetMany(indexName string, key interface{}) db.RecordIterator {
	idx, err := m.index(indexName)
	if err != nil {
		return &sliceIterator{err: err}
	}
	k, err := idx.makeKey(key)
	if err != nil {
		return &sliceIterator{err: err}
	}
	var es []entry
	for _, e := range idx.live() {
		if bytes.Equal(e.key, k) {
			es = append(es, e)
		}
	}
	return m.records(es)
}

func (m *Memdb) Range(indexName string, start, end interface{}, opts index.RangeOptions) db.RecordIterator {
	idx, err := m.index(indexName)
	if err != nil {
		return &sliceIterator{err: err}
	}
	if !idx.ordered {
		return &sliceIterator{err: errors.Wrapf(dberr.ErrUnsupported, "index %s: range", indexName)}
	}
	var lo, hi []byte
	if start != nil {
		if lo, err = idx.makeKey(start); err != nil {
			return &sliceIterator{err: err}
		}
	}
	if end != nil {
		if hi, err = idx.makeKey(end); err != nil {
			return &sliceIterator{err: err}
		}
	}
	var es []entry
	for _, e := range idx.live() {
		if lo != nil {
			c := bytes.Compare(e.key, lo)
			if c < 0 || (c == 0 && opts.ExcludeStart) {
				continue
			}
		}
		if hi != nil {
			c := bytes.Compare(e.key, hi)
			if c > 0 || (c == 0 && opts.ExcludeEnd) {
				continue
			}
		}
		es = append(es, e)
	}
	if opts.Reverse {
		for i, j := 0, len(es)-1; i < j; i, j = i+1, j-1 {
			es[i], es[j] = es[j], es[i]
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(es) {
			es = nil
		} else {
			es = es[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(es) {
		es = es[:opts.Limit]
	}
	return m.records(es)
}

func (m *Memdb) All(indexName string) db.RecordIterator {
	idx, err := m.index(indexName)
	if err != nil {
		return &sliceIterator{err: err}
	}
	return m.records(idx.live())
}

func (m *Memdb) Count(indexName string) (int, error) {
	idx, err := m.index(indexName)
	if err != nil {
		return 0, err
	}
	return len(idx.live()), nil
}

// Compact drops tombstones.
func (m *Memdb) Compact() error {
	if m.closed {
		return dberr.ErrDatabaseClosed
	}
	for _, idx := range m.order {
		idx.entries = idx.live()
	}
	return nil
}

func (m *Memdb) Reindex(indexName string) error {
	idx, err := m.index(indexName)
	if err != nil {
		return err
	}
	idx.entries = idx.live()
	return nil
}

func (m *Memdb) Close() error {
	if m.closed {
		return dberr.ErrDatabaseClosed
	}
	m.closed = true
	return nil
}

type sliceIterator struct {
	recs []db.Record
	err  error
}

func (it *sliceIterator) HasNext() bool {
	return len(it.recs) > 0
}

func (it *sliceIterator) Next() db.Record {
	rec := it.recs[0]
	it.recs = it.recs[1:]
	return rec
}

func (it *sliceIterator) Err() error {
	return it.err
}
