package index

// EntryIterator is a lazy, finite sequence of entries.
type EntryIterator interface {
	HasNext() bool
	Next() Entry
	// Err reports the error that ended the iteration, if any.
	Err() error
}

// Scan produces a fresh iterator each time it is called, reading from the
// index as it is at that time.
type Scan func() EntryIterator

type sliceIterator struct {
	entries []Entry
	err     error
}

func (it *sliceIterator) HasNext() bool {
	return len(it.entries) > 0
}

func (it *sliceIterator) Next() Entry {
	e := it.entries[0]
	it.entries = it.entries[1:]
	return e
}

func (it *sliceIterator) Err() error {
	return it.err
}

// Slice scans a fixed list of entries.
func Slice(entries ...Entry) Scan {
	return func() EntryIterator {
		return &sliceIterator{entries: entries}
	}
}

// Failed is a scan that yields nothing and reports err.
func Failed(err error) Scan {
	return func() EntryIterator {
		return &sliceIterator{err: err}
	}
}

type concatIterator struct {
	scans []Scan
	cur   EntryIterator
	err   error
}

func (it *concatIterator) HasNext() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.cur != nil {
			if it.cur.HasNext() {
				return true
			}
			if err := it.cur.Err(); err != nil {
				it.err = err
				return false
			}
		}
		if len(it.scans) == 0 {
			return false
		}
		it.cur = it.scans[0]()
		it.scans = it.scans[1:]
	}
}

func (it *concatIterator) Next() Entry {
	return it.cur.Next()
}

func (it *concatIterator) Err() error {
	return it.err
}

// Concat scans each of scans in turn.
func Concat(scans ...Scan) Scan {
	return func() EntryIterator {
		return &concatIterator{scans: scans}
	}
}

type windowIterator struct {
	it     EntryIterator
	skip   int
	remain int
	limit  bool
}

func (it *windowIterator) HasNext() bool {
	for it.skip > 0 && it.it.HasNext() {
		it.it.Next()
		it.skip--
	}
	if it.limit && it.remain <= 0 {
		return false
	}
	return it.it.HasNext()
}

func (it *windowIterator) Next() Entry {
	it.remain--
	return it.it.Next()
}

func (it *windowIterator) Err() error {
	return it.it.Err()
}

// Window skips the first offset entries of s and stops after limit more
// (limit 0 is unlimited).
func Window(s Scan, offset, limit int) Scan {
	if offset <= 0 && limit <= 0 {
		return s
	}
	return func() EntryIterator {
		return &windowIterator{it: s(), skip: offset, remain: limit, limit: limit > 0}
	}
}

// Collect runs s to completion.
func Collect(s Scan) ([]Entry, error) {
	var entries []Entry
	it := s()
	for it.HasNext() {
		entries = append(entries, it.Next())
	}
	return entries, it.Err()
}

// Count counts the entries of s.
func Count(s Scan) (int, error) {
	n := 0
	it := s()
	for it.HasNext() {
		it.Next()
		n++
	}
	return n, it.Err()
}
