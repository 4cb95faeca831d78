package tree

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
)

// rangeIterator walks the leaf chain one leaf at a time. It buffers the
// matching entries of a leaf and remembers the page to read next, so
// it holds no references into the tree between calls.
type rangeIterator struct {
	t       *Index
	reverse bool
	lo, hi  []byte
	exclLo  bool
	exclHi  bool

	page    uint32
	pos     int
	started bool
	done    bool
	buf     []index.Entry
	err     error
}

// Range scans live entries with keys between start and end (inclusive
// unless excluded by opts), in key order or reverse key order. Entries with
// equal keys come in insertion order (reversed for a reverse scan).
func (t *Index) Range(start, end []byte, opts index.RangeOptions) index.Scan {
	for _, k := range [][]byte{start, end} {
		if k != nil && len(k) != t.KeyFormat().Size() {
			return index.Failed(errors.Wrapf(dberr.ErrKeyFormat, "index %s: %d-byte range bound", t.Name(), len(k)))
		}
	}
	start = append([]byte(nil), start...)
	end = append([]byte(nil), end...)
	scan := func() index.EntryIterator {
		it := &rangeIterator{
			t:       t,
			reverse: opts.Reverse,
			lo:      start,
			hi:      end,
			exclLo:  opts.ExcludeStart,
			exclHi:  opts.ExcludeEnd,
		}
		it.err = it.init()
		return it
	}
	return index.Window(scan, opts.Offset, opts.Limit)
}

// init finds the first leaf and position to read.
func (it *rangeIterator) init() error {
	t := it.t
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !it.reverse {
		if len(it.lo) == 0 {
			leaf, err := t.edgeLeaf(false)
			if err != nil {
				return err
			}
			it.page, it.pos = leaf.id, 0
			return nil
		}
		c, err := t.seek(t.sortKey(it.lo, 0))
		if err != nil {
			return err
		}
		it.page, it.pos = c.leaf.id, c.i
		return nil
	}
	if len(it.hi) == 0 {
		leaf, err := t.edgeLeaf(true)
		if err != nil {
			return err
		}
		it.page, it.pos = leaf.id, len(leaf.keys)-1
		return nil
	}
	sk := t.sortKey(it.hi, ^uint64(0))
	path, err := t.descend(sk)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	it.page, it.pos = leaf.id, leaf.upperBound(sk)-1
	return nil
}

// accept reports whether key is inside the range, and whether the scan has
// gone past the range for good.
func (it *rangeIterator) accept(key []byte) (ok, stop bool) {
	first, last := it.lo, it.hi
	exclFirst, exclLast := it.exclLo, it.exclHi
	sign := 1
	if it.reverse {
		first, last = it.hi, it.lo
		exclFirst, exclLast = it.exclHi, it.exclLo
		sign = -1
	}
	if len(last) > 0 {
		c := sign * bytes.Compare(key, last)
		if c > 0 || (c == 0 && exclLast) {
			return false, true
		}
	}
	if len(first) > 0 {
		c := sign * bytes.Compare(key, first)
		if c < 0 || (c == 0 && exclFirst) {
			return false, false
		}
	}
	return true, false
}

func (it *rangeIterator) fill() {
	t := it.t
	ks := t.KeyFormat().Size()
	for len(it.buf) == 0 && !it.done && it.err == nil {
		if it.page == 0 {
			it.done = true
			return
		}
		if err := t.checkOpen(); err != nil {
			it.err = err
			return
		}
		n, err := t.readNode(it.page)
		if err != nil {
			it.err = err
			return
		}
		if !n.leaf {
			it.err = errors.Wrapf(dberr.ErrIndex, "index %s: leaf chain reaches internal page %d", t.Name(), n.id)
			return
		}
		pos := it.pos
		if it.started {
			pos = 0
			if it.reverse {
				pos = len(n.keys) - 1
			}
		}
		it.started = true
		step := 1
		if it.reverse {
			step = -1
		}
		for i := pos; i >= 0 && i < len(n.keys); i += step {
			ok, stop := it.accept(n.keys[i][:ks])
			if stop {
				it.done = true
				break
			}
			if ok && n.vals[i].status == index.StatusCurrent {
				it.buf = append(it.buf, n.entry(i, ks))
			}
		}
		if it.reverse {
			it.page = n.prev
		} else {
			it.page = n.next
		}
	}
}

func (it *rangeIterator) HasNext() bool {
	it.fill()
	return len(it.buf) > 0
}

func (it *rangeIterator) Next() index.Entry {
	e := it.buf[0]
	it.buf = it.buf[1:]
	return e
}

func (it *rangeIterator) Err() error {
	return it.err
}
