package db_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchajed/docdb/db"
	"github.com/tchajed/docdb/db/memdb"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

var oracleIndexes = []index.Definition{
	{Name: "name", Kind: index.KindHash, KeyFormat: "8s", Field: "name", Buckets: 8},
	{Name: "age", Kind: index.KindMultiTree, KeyFormat: "B", Field: "age", NodeCapacity: 4},
	{Name: "score", Kind: index.KindTree, KeyFormat: "q", Field: "score", NodeCapacity: 5},
	{Name: "tag", Kind: index.KindSharded, KeyFormat: "4s", Field: "tag", Shards: 3},
}

var names = []string{"ann", "bo", "cy", "di", "ed", "flo"}

func randomRecord(rng *rand.Rand) db.Record {
	rec := db.Record{}
	if rng.Intn(5) > 0 {
		rec["name"] = names[rng.Intn(len(names))]
	}
	if rng.Intn(4) > 0 {
		rec["age"] = rng.Intn(10)
	}
	rec["score"] = rng.Intn(41) - 20
	if rng.Intn(2) == 0 {
		rec["tag"] = names[rng.Intn(3)][:2]
	}
	return rec
}

type oracle struct {
	t    *testing.T
	rng  *rand.Rand
	fs   fs.Filesys
	opts db.Options
	d    *db.Database
	m    *memdb.Memdb
	// live documents, with the current revision in each store
	dRev map[string]string
	mRev map[string]string
	ids  []string
}

func newOracle(t *testing.T, seed int64) *oracle {
	o := &oracle{
		t:    t,
		rng:  rand.New(rand.NewSource(seed)),
		fs:   fs.MemFs(),
		dRev: make(map[string]string),
		mRev: make(map[string]string),
	}
	o.opts = db.Options{Indexes: oracleIndexes}
	var err error
	o.d, err = db.Create(o.fs, o.opts)
	require.NoError(t, err)
	o.m, err = memdb.New(oracleIndexes...)
	require.NoError(t, err)
	return o
}

func (o *oracle) pick() (int, string) {
	i := o.rng.Intn(len(o.ids))
	return i, o.ids[i]
}

func (o *oracle) insert() {
	rec := randomRecord(o.rng)
	id := db.FormatID(uuid.New())
	dRec, mRec := copyOf(rec), copyOf(rec)
	dRec[db.IDField], mRec[db.IDField] = id, id
	_, dRev, err := o.d.Insert(dRec)
	require.NoError(o.t, err)
	_, mRev, err := o.m.Insert(mRec)
	require.NoError(o.t, err)
	o.dRev[id], o.mRev[id] = dRev, mRev
	o.ids = append(o.ids, id)
}

func (o *oracle) update() {
	_, id := o.pick()
	rec := randomRecord(o.rng)
	dRec, mRec := copyOf(rec), copyOf(rec)
	dRec[db.IDField], dRec[db.RevField] = id, o.dRev[id]
	mRec[db.IDField], mRec[db.RevField] = id, o.mRev[id]
	dRev, err := o.d.Update(dRec)
	require.NoError(o.t, err)
	mRev, err := o.m.Update(mRec)
	require.NoError(o.t, err)
	o.dRev[id], o.mRev[id] = dRev, mRev
}

func (o *oracle) delete() {
	i, id := o.pick()
	require.NoError(o.t, o.d.Delete(db.Record{db.IDField: id, db.RevField: o.dRev[id]}))
	require.NoError(o.t, o.m.Delete(db.Record{db.IDField: id, db.RevField: o.mRev[id]}))
	o.ids = append(o.ids[:i], o.ids[i+1:]...)
	delete(o.dRev, id)
	delete(o.mRev, id)
}

func (o *oracle) reopen() {
	require.NoError(o.t, o.d.Close())
	var err error
	o.d, err = db.Open(o.fs, o.opts)
	require.NoError(o.t, err)
}

func copyOf(rec db.Record) db.Record {
	c := db.Record{}
	for k, v := range rec {
		c[k] = v
	}
	return c
}

// strip drops revisions, which differ between the stores.
func strip(t *testing.T, it db.RecordIterator) []db.Record {
	recs, err := db.Collect(it)
	require.NoError(t, err)
	for _, rec := range recs {
		delete(rec, db.RevField)
	}
	return recs
}

func sortByID(recs []db.Record) []db.Record {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i][db.IDField].(string) < recs[j][db.IDField].(string)
	})
	return recs
}

func (o *oracle) check() {
	t := o.t
	for _, def := range append([]index.Definition{{Name: db.IDIndex}}, oracleIndexes...) {
		dn, err := o.d.Count(def.Name)
		require.NoError(t, err)
		mn, err := o.m.Count(def.Name)
		require.NoError(t, err)
		assert.Equal(t, mn, dn, "count of %s", def.Name)
		if def.Name == db.IDIndex {
			assert.Equal(t, len(o.ids), dn)
		}
	}

	// unordered indexes are compared as sets
	for _, name := range []string{db.IDIndex, "name", "tag"} {
		assert.Equal(t, sortByID(strip(t, o.m.All(name))), sortByID(strip(t, o.d.All(name))), "all of %s", name)
	}
	// ordered indexes in order
	for _, name := range []string{"age", "score"} {
		assert.Equal(t, strip(t, o.m.All(name)), strip(t, o.d.All(name)), "all of %s", name)
	}
	opts := index.RangeOptions{Reverse: true, ExcludeStart: true, Offset: 1, Limit: 4}
	assert.Equal(t, strip(t, o.m.Range("score", -5, 5, opts)), strip(t, o.d.Range("score", -5, 5, opts)))
	assert.Equal(t, strip(t, o.m.Range("age", 2, 6, index.RangeOptions{})),
		strip(t, o.d.Range("age", 2, 6, index.RangeOptions{})))

	for _, n := range names {
		mRec, mErr := o.m.Get("name", n)
		dRec, dErr := o.d.Get("name", n)
		assert.Equal(t, dberr.IsNotFound(mErr), dberr.IsNotFound(dErr), "get %s", n)
		if mErr == nil && dErr == nil {
			assert.Equal(t, mRec[db.IDField], dRec[db.IDField], "owner of %s", n)
		}
		assert.Equal(t, sortByID(strip(t, o.m.GetMany("tag", n[:2]))), sortByID(strip(t, o.d.GetMany("tag", n[:2]))))
	}
	for age := 0; age < 10; age++ {
		assert.Equal(t, strip(t, o.m.GetMany("age", age)), strip(t, o.d.GetMany("age", age)), "age %d", age)
	}
}

func TestRandomizedAgainstMemdb(t *testing.T) {
	for seed := int64(1); seed <= 3; seed++ {
		o := newOracle(t, seed)
		for step := 0; step < 400; step++ {
			r := o.rng.Intn(100)
			switch {
			case len(o.ids) == 0 || r < 40:
				o.insert()
			case r < 70:
				o.update()
			case r < 90:
				o.delete()
			case r < 95:
				require.NoError(t, o.d.Compact())
				require.NoError(t, o.m.Compact())
			default:
				o.reopen()
			}
			if step%50 == 0 {
				o.check()
			}
		}
		o.check()
		require.NoError(t, o.d.Close())
	}
}
