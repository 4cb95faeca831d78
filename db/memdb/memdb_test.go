package memdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchajed/docdb/db"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
)

func newStore(t *testing.T) *Memdb {
	m, err := New(
		index.Definition{Name: "name", Kind: index.KindHash, KeyFormat: "16s", Field: "name"},
		index.Definition{Name: "age", Kind: index.KindMultiTree, KeyFormat: "I", Field: "age"},
	)
	require.NoError(t, err)
	return m
}

func TestInsertGet(t *testing.T) {
	assert := assert.New(t)
	m := newStore(t)
	rec := db.Record{"name": "alice", "age": 30}
	id, rev, err := m.Insert(rec)
	require.NoError(t, err)
	assert.Equal(id, rec[db.IDField])
	assert.Equal(rev, rec[db.RevField])

	got, err := m.Get(db.IDIndex, id)
	require.NoError(t, err)
	assert.Equal(int64(30), got["age"], "records should read back as from storage")
	got, err = m.Get("name", "alice")
	require.NoError(t, err)
	assert.Equal(id, got[db.IDField])

	_, err = m.Get("name", "bob")
	assert.ErrorIs(err, dberr.ErrRecordNotFound)
}

func TestDelete(t *testing.T) {
	assert := assert.New(t)
	m := newStore(t)
	rec := db.Record{"name": "alice", "age": 30}
	_, _, err := m.Insert(rec)
	require.NoError(t, err)
	require.NoError(t, m.Delete(rec))
	_, err = m.Get("name", "alice")
	assert.ErrorIs(err, dberr.ErrRecordDeleted)
	n, err := m.Count("age")
	assert.NoError(err)
	assert.Equal(0, n)
	assert.ErrorIs(m.Delete(rec), dberr.ErrRecordNotFound)
}

func TestRevConflict(t *testing.T) {
	m := newStore(t)
	rec := db.Record{"name": "alice"}
	_, rev, err := m.Insert(rec)
	require.NoError(t, err)
	stale := db.Record{db.IDField: rec[db.IDField], db.RevField: rev, "name": "bob"}
	_, err = m.Update(rec)
	require.NoError(t, err)
	_, err = m.Update(stale)
	assert.ErrorIs(t, err, dberr.ErrRevConflict)
}

func TestLastWriterWins(t *testing.T) {
	assert := assert.New(t)
	m := newStore(t)
	a := db.Record{"name": "x"}
	b := db.Record{"name": "x"}
	_, _, err := m.Insert(a)
	require.NoError(t, err)
	_, _, err = m.Insert(b)
	require.NoError(t, err)
	got, err := m.Get("name", "x")
	require.NoError(t, err)
	assert.Equal(b[db.IDField], got[db.IDField])
	// a no longer owns the key, so deleting it leaves b in place
	require.NoError(t, m.Delete(a))
	got, err = m.Get("name", "x")
	require.NoError(t, err)
	assert.Equal(b[db.IDField], got[db.IDField])
}

func ages(t *testing.T, it db.RecordIterator) []int64 {
	recs, err := db.Collect(it)
	require.NoError(t, err)
	var as []int64
	for _, r := range recs {
		as = append(as, r["age"].(int64))
	}
	return as
}

func TestRange(t *testing.T) {
	assert := assert.New(t)
	m := newStore(t)
	for _, age := range []int{5, 3, 9, 1, 3} {
		_, _, err := m.Insert(db.Record{"age": age})
		require.NoError(t, err)
	}
	assert.Equal([]int64{1, 3, 3, 5, 9}, ages(t, m.All("age")))
	assert.Equal([]int64{3, 3, 5}, ages(t, m.Range("age", 2, 5, index.RangeOptions{})))
	assert.Equal([]int64{5, 3}, ages(t, m.Range("age", 3, 5,
		index.RangeOptions{Reverse: true, Limit: 2})))
	assert.Equal([]int64{5, 9}, ages(t, m.Range("age", 3, nil,
		index.RangeOptions{ExcludeStart: true})))
	assert.Equal([]int64{3, 3}, ages(t, m.GetMany("age", 3)))

	_, err := db.Collect(m.Range("name", nil, nil, index.RangeOptions{}))
	assert.ErrorIs(err, dberr.ErrUnsupported)
}

func TestClosed(t *testing.T) {
	m := newStore(t)
	require.NoError(t, m.Close())
	_, _, err := m.Insert(db.Record{})
	assert.ErrorIs(t, err, dberr.ErrDatabaseClosed)
	_, err = db.Collect(m.All(db.IDIndex))
	assert.ErrorIs(t, err, dberr.ErrDatabaseClosed)
}

func TestUnencodableKey(t *testing.T) {
	assert := assert.New(t)
	m := newStore(t)
	rec := db.Record{"name": "alice", "age": 30}
	_, rev, err := m.Insert(rec)
	require.NoError(t, err)
	_, err = m.Update(db.Record{db.IDField: rec[db.IDField], db.RevField: rev,
		"name": "a name much longer than sixteen bytes", "age": 31})
	assert.ErrorIs(err, dberr.ErrKeyFormat)
	got, err := m.Get("age", 30)
	require.NoError(t, err)
	assert.Equal(rev, got[db.RevField])
	_, err = m.Get("age", 31)
	assert.ErrorIs(err, dberr.ErrRecordNotFound)
}
