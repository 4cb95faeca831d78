package index

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/cache"
	"github.com/tchajed/docdb/dberr"
)

// Cached serves Get from a cache in front of an index. Every mutation of a
// key invalidates it; lifecycle operations and Compact purge the cache.
type Cached struct {
	Index
	c cache.Cache
}

// NewCached wraps idx with c. A nil cache returns idx unchanged.
func NewCached(idx Index, c cache.Cache) Index {
	if c == nil {
		return idx
	}
	return &Cached{Index: idx, c: c}
}

// Unwrap returns the index behind the cache.
func (ci *Cached) Unwrap() Index {
	return ci.Index
}

func (ci *Cached) Get(key []byte) (Entry, error) {
	if v, ok := ci.c.Get(string(key)); ok {
		e := v.(Entry)
		if !e.Live() {
			return e, dberr.ErrRecordDeleted
		}
		return e, nil
	}
	e, err := ci.Index.Get(key)
	if err == nil || errors.Is(err, dberr.ErrRecordDeleted) {
		ci.c.Set(string(key), e)
	}
	return e, err
}

func (ci *Cached) Insert(doc uuid.UUID, key []byte, loc Location) error {
	ci.c.Delete(string(key))
	return ci.Index.Insert(doc, key, loc)
}

func (ci *Cached) Update(doc uuid.UUID, key []byte, loc Location) error {
	ci.c.Delete(string(key))
	return ci.Index.Update(doc, key, loc)
}

func (ci *Cached) Delete(doc uuid.UUID, key []byte) error {
	ci.c.Delete(string(key))
	return ci.Index.Delete(doc, key)
}

func (ci *Cached) Open() error {
	ci.c.Purge()
	return ci.Index.Open()
}

func (ci *Cached) Create() error {
	ci.c.Purge()
	return ci.Index.Create()
}

func (ci *Cached) Close() error {
	ci.c.Purge()
	return ci.Index.Close()
}

func (ci *Cached) Destroy() error {
	ci.c.Purge()
	return ci.Index.Destroy()
}

func (ci *Cached) Compact() error {
	ci.c.Purge()
	return ci.Index.Compact()
}

// Range forwards to the wrapped index if it is ordered.
func (ci *Cached) Range(start, end []byte, opts RangeOptions) Scan {
	r, ok := ci.Index.(Ranger)
	if !ok {
		return Failed(Unsupported(ci.Index, "range"))
	}
	return r.Range(start, end, opts)
}

// Unwrap strips decorators such as Cached from idx.
func Unwrap(idx Index) Index {
	for {
		u, ok := idx.(interface{ Unwrap() Index })
		if !ok {
			return idx
		}
		idx = u.Unwrap()
	}
}

// AsRanger returns the ordered view of idx, looking through decorators.
func AsRanger(idx Index) (Ranger, bool) {
	if _, ok := Unwrap(idx).(Ranger); !ok {
		return nil, false
	}
	r, ok := idx.(Ranger)
	return r, ok
}
