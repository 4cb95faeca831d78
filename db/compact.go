package db

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/journal"
	"github.com/tchajed/docdb/storage"
)

// Compaction and reindexing build replacement files next to the live ones
// (named with compactSuffix) and then swap them in with renames. The list of
// renames is committed to the journal before the first rename, so a crash
// either leaves the old files in place, with leftovers removed by cleanup,
// or leaves a plan that the next Open finishes.

type rename struct {
	From string `msgpack:"from"`
	To   string `msgpack:"to"`
}

type swapPlan struct {
	Renames []rename `msgpack:"renames"`
}

func (p *swapPlan) add(from string) {
	p.Renames = append(p.Renames, rename{From: from, To: strings.TrimSuffix(from, compactSuffix)})
}

func (p *swapPlan) addIndex(idx index.Index) {
	for _, f := range idx.Files() {
		p.add(f)
	}
}

// applyPlan performs the renames of p. Renames already done are skipped,
// so a plan can be applied again after a crash.
func (d *Database) applyPlan(p swapPlan) error {
	for _, r := range p.Renames {
		if !d.fs.Exists(r.From) {
			continue
		}
		if err := d.fs.Rename(r.From, r.To); err != nil {
			return errors.Wrapf(dberr.ErrStorage, "rename %s: %v", r.From, err)
		}
	}
	return nil
}

// commit durably records p, applies it and clears the journal.
func (d *Database) commit(p swapPlan) error {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "encode plan: %v", err)
	}
	if err := d.journal.Add(data); err != nil {
		return errors.Wrapf(dberr.ErrStorage, "journal plan: %v", err)
	}
	if err := d.applyPlan(p); err != nil {
		return err
	}
	return d.journal.Clear()
}

// recover finishes any plan committed before a crash.
func (d *Database) recover() error {
	if !d.fs.Exists(journalFile) {
		return nil
	}
	data, err := d.fs.ReadAll(journalFile)
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "read %s: %v", journalFile, err)
	}
	txns, err := journal.RecoverTxns(bytes.NewReader(data))
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "recover %s: %v", journalFile, err)
	}
	for _, txn := range txns {
		var p swapPlan
		if err := msgpack.Unmarshal(txn, &p); err != nil {
			return errors.Wrapf(dberr.ErrStorage, "decode plan: %v", err)
		}
		d.log.WithField("renames", len(p.Renames)).Info("finishing interrupted compaction")
		if err := d.applyPlan(p); err != nil {
			return err
		}
	}
	return nil
}

// discard removes partially built replacement files.
func discard(storages []*storage.Storage, indexes []index.Index) {
	for _, s := range storages {
		s.Destroy()
	}
	for _, idx := range indexes {
		idx.Destroy()
	}
}

// reopen reattaches every handle after a swap.
func (d *Database) reopen() error {
	for _, s := range d.storages {
		if err := s.Open(); err != nil {
			return err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Open(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) closeHandles() error {
	for _, s := range d.storages {
		if err := s.Close(); err != nil {
			return err
		}
	}
	for _, idx := range d.indexes {
		if err := idx.Close(); err != nil {
			return err
		}
	}
	return nil
}

func locKey(l index.Location) index.Location {
	return index.Location{Storage: l.Storage, Start: l.Start}
}

// Compact rewrites every storage with only the current version of each
// live document and rebuilds every index, dropping tombstones. Index
// contents are preserved entry for entry.
func (d *Database) Compact() error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.flushAll(); err != nil {
		return err
	}
	before, _ := d.sizeLocked()

	var newStorages []*storage.Storage
	var newIndexes []index.Index
	fail := func(err error) error {
		discard(newStorages, newIndexes)
		return err
	}
	for _, s := range d.storages {
		ns := storage.New(d.fs, s.Name()+compactSuffix, d.opts.storageOptions())
		if err := ns.Create(); err != nil {
			return fail(err)
		}
		newStorages = append(newStorages, ns)
	}
	for _, def := range d.defs {
		def.Suffix = compactSuffix
		idx, err := d.buildIndex(def, false)
		if err != nil {
			return fail(err)
		}
		if err := idx.Create(); err != nil {
			return fail(err)
		}
		newIndexes = append(newIndexes, idx)
	}

	// copy the current version of every document
	moved := make(map[index.Location]index.Location)
	it := d.indexes[0].All()()
	for it.HasNext() {
		e := it.Next()
		raw, err := d.storages[e.Storage].GetRaw(e.Start, e.Size)
		if err != nil {
			return fail(err)
		}
		start, size, err := newStorages[e.Storage].AppendRaw(raw)
		if err != nil {
			return fail(err)
		}
		moved[locKey(e.Location)] = index.Location{Storage: e.Storage, Start: start, Size: size}
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}

	stale := 0
	for i, idx := range d.indexes {
		it := idx.All()()
		for it.HasNext() {
			e := it.Next()
			loc, ok := moved[locKey(e.Location)]
			if !ok {
				// left behind by a write that failed halfway
				d.log.WithFields(logrus.Fields{
					"index": idx.Name(),
					"doc":   e.Doc,
				}).Warn("dropping entry for an old document version")
				stale++
				continue
			}
			if err := newIndexes[i].Insert(e.Doc, e.Key, loc); err != nil {
				return fail(err)
			}
		}
		if err := it.Err(); err != nil {
			return fail(err)
		}
	}

	var plan swapPlan
	for _, s := range newStorages {
		if err := s.Fsync(); err != nil {
			return fail(err)
		}
		if err := s.Close(); err != nil {
			return fail(err)
		}
		plan.add(s.Name())
	}
	for _, idx := range newIndexes {
		if err := idx.Fsync(); err != nil {
			return fail(err)
		}
		if err := idx.Close(); err != nil {
			return fail(err)
		}
		plan.addIndex(idx)
	}
	if err := d.swap(plan); err != nil {
		return err
	}
	after, _ := d.sizeLocked()
	d.log.WithFields(logrus.Fields{
		"documents": len(moved),
		"stale":     stale,
		"before":    before,
		"after":     after,
	}).Info("compacted database")
	return nil
}

// swap closes the live files, commits plan and reopens.
func (d *Database) swap(plan swapPlan) error {
	d.gen++
	if err := d.closeHandles(); err != nil {
		return err
	}
	if err := d.commit(plan); err != nil {
		// the old files are still in place unless the plan was journaled;
		// either way reopening reads a consistent set
		if rerr := d.reopen(); rerr != nil {
			d.log.WithError(rerr).Error("could not reopen after failed swap")
			d.closed = true
		}
		return err
	}
	if err := d.reopen(); err != nil {
		d.closed = true
		return err
	}
	return nil
}

// Reindex rebuilds the named index from the current documents. Rebuilding
// the id index compacts it in place.
func (d *Database) Reindex(name string) error {
	d.locks.db.Lock()
	defer d.locks.db.Unlock()
	idx, err := d.lookup(name)
	if err != nil {
		return err
	}
	if err := d.flushAll(); err != nil {
		return err
	}
	i := d.byName[name]
	if i == 0 {
		d.gen++
		return idx.Compact()
	}
	def := d.defs[i]
	def.Suffix = compactSuffix
	tmp, err := d.buildIndex(def, false)
	if err != nil {
		return err
	}
	if err := tmp.Create(); err != nil {
		return err
	}
	n := 0
	err = d.eachLive(func(e index.Entry, rec Record) error {
		k, ok, err := key(tmp, rec)
		if err != nil || !ok {
			return err
		}
		n++
		return tmp.Insert(e.Doc, k, e.Location)
	})
	if err == nil {
		err = tmp.Fsync()
	}
	if err == nil {
		err = tmp.Close()
	}
	if err != nil {
		tmp.Destroy()
		return err
	}
	var plan swapPlan
	plan.addIndex(tmp)
	if err := d.swap(plan); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"index": name, "entries": n}).Info("reindexed")
	return nil
}
