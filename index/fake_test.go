package index

import (
	"github.com/google/uuid"

	"github.com/tchajed/docdb/dberr"
)

// mapIndex is a minimal unique index used to exercise decorators.
type mapIndex struct {
	Base
	entries map[string]Entry
	gets    int
}

func newMapIndex() *mapIndex {
	b, err := NewBase(Definition{Name: "m", KeyFormat: "I", Field: "n"})
	if err != nil {
		panic(err)
	}
	return &mapIndex{Base: b, entries: make(map[string]Entry)}
}

func (m *mapIndex) Files() []string { return nil }
func (m *mapIndex) Create() error   { return nil }
func (m *mapIndex) Open() error     { return nil }
func (m *mapIndex) Close() error    { return nil }
func (m *mapIndex) Destroy() error  { return nil }
func (m *mapIndex) Flush() error    { return nil }
func (m *mapIndex) Fsync() error    { return nil }
func (m *mapIndex) Compact() error  { return nil }

func (m *mapIndex) Insert(doc uuid.UUID, key []byte, loc Location) error {
	m.entries[string(key)] = Entry{Key: key, Doc: doc, Location: loc, Status: StatusCurrent}
	return nil
}

func (m *mapIndex) Update(doc uuid.UUID, key []byte, loc Location) error {
	e, ok := m.entries[string(key)]
	if !ok || !e.Live() {
		return dberr.ErrRecordNotFound
	}
	return m.Insert(doc, key, loc)
}

func (m *mapIndex) Delete(doc uuid.UUID, key []byte) error {
	e, ok := m.entries[string(key)]
	if !ok || !e.Live() || e.Doc != doc {
		return dberr.ErrRecordNotFound
	}
	e.Status = StatusDeleted
	m.entries[string(key)] = e
	return nil
}

func (m *mapIndex) Get(key []byte) (Entry, error) {
	m.gets++
	e, ok := m.entries[string(key)]
	if !ok {
		return Entry{}, dberr.ErrRecordNotFound
	}
	if !e.Live() {
		return e, dberr.ErrRecordDeleted
	}
	return e, nil
}

func (m *mapIndex) GetMany(key []byte) Scan {
	e, err := m.Get(key)
	if err != nil {
		return Slice()
	}
	return Slice(e)
}

func (m *mapIndex) All() Scan {
	var entries []Entry
	for _, e := range m.entries {
		if e.Live() {
			entries = append(entries, e)
		}
	}
	return Slice(entries...)
}
