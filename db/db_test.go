package db

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/tchajed/docdb/cache"
	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/storage"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions() Options {
	return Options{
		Indexes: []index.Definition{
			{Name: "name", Kind: index.KindHash, KeyFormat: "16s", Field: "name", Buckets: 64},
			{Name: "age", Kind: index.KindTree, KeyFormat: "I", Field: "age", NodeCapacity: 4},
		},
		Logger: quietLogger(),
	}
}

type DbSuite struct {
	suite.Suite
	fs   fs.Filesys
	opts Options
	db   *Database
}

func TestDbSuite(t *testing.T) {
	suite.Run(t, new(DbSuite))
}

func (suite *DbSuite) SetupTest() {
	suite.fs = fs.MemFs()
	suite.opts = testOptions()
	suite.db = suite.create(suite.opts)
}

func (suite *DbSuite) TearDownTest() {
	if !suite.db.closed {
		suite.NoError(suite.db.Close())
	}
}

func (suite *DbSuite) create(opts Options) *Database {
	d, err := Create(suite.fs, opts)
	suite.Require().NoError(err)
	return d
}

// recreate replaces the suite's database with a fresh one using opts.
func (suite *DbSuite) recreate(opts Options) {
	suite.Require().NoError(suite.db.Destroy())
	suite.opts = opts
	suite.db = suite.create(opts)
}

func (suite *DbSuite) insert(rec Record) Record {
	_, _, err := suite.db.Insert(rec)
	suite.Require().NoError(err)
	return rec
}

func (suite *DbSuite) get(indexName string, key interface{}) Record {
	rec, err := suite.db.Get(indexName, key)
	suite.Require().NoError(err)
	return rec
}

func (suite *DbSuite) count(indexName string) int {
	n, err := suite.db.Count(indexName)
	suite.Require().NoError(err)
	return n
}

func (suite *DbSuite) collect(it RecordIterator) []Record {
	recs, err := Collect(it)
	suite.Require().NoError(err)
	return recs
}

func ages(recs []Record) []int64 {
	var as []int64
	for _, r := range recs {
		as = append(as, r["age"].(int64))
	}
	return as
}

func (suite *DbSuite) TestInsertGet() {
	rec := suite.insert(Record{
		"name": "alice",
		"age":  30,
		"tags": []interface{}{"a", "b"},
		"addr": map[string]interface{}{"city": "paris"},
	})
	suite.Len(rec[IDField], 32)
	suite.Len(rec[RevField], 8)

	got := suite.get(IDIndex, rec[IDField])
	suite.Equal(rec[IDField], got[IDField])
	suite.Equal(rec[RevField], got[RevField])
	suite.Equal("alice", got["name"])
	suite.Equal(int64(30), got["age"])
	suite.Equal([]interface{}{"a", "b"}, got["tags"])
	suite.Equal(map[string]interface{}{"city": "paris"}, got["addr"])

	suite.Equal(rec[IDField], suite.get("name", "alice")[IDField])
	suite.Equal(rec[IDField], suite.get("age", 30)[IDField])
}

func (suite *DbSuite) TestGetMissing() {
	_, err := suite.db.Get("name", "nobody")
	suite.ErrorIs(err, dberr.ErrRecordNotFound)
	_, err = suite.db.Get(IDIndex, FormatID(uuid.New()))
	suite.ErrorIs(err, dberr.ErrRecordNotFound)
	_, err = suite.db.Get("nope", 1)
	suite.ErrorIs(err, dberr.ErrIndexNotFound)
	_, err = suite.db.Get("name", "a name that is too long")
	suite.ErrorIs(err, dberr.ErrKeyFormat)
}

func (suite *DbSuite) TestIndexMembership() {
	suite.insert(Record{"name": "bob"})
	suite.insert(Record{"age": 7})
	suite.Equal(2, suite.count(IDIndex))
	suite.Equal(1, suite.count("name"))
	suite.Equal(1, suite.count("age"))
	_, err := suite.db.Get("age", 0)
	suite.ErrorIs(err, dberr.ErrRecordNotFound)
}

func (suite *DbSuite) TestUpdate() {
	rec := suite.insert(Record{"name": "alice", "age": 30})
	oldRev := rec[RevField]
	rec["age"] = 31
	rev, err := suite.db.Update(rec)
	suite.Require().NoError(err)
	suite.NotEqual(oldRev, rev)
	suite.Equal(rev, rec[RevField])

	_, err = suite.db.Get("age", 30)
	suite.ErrorIs(err, dberr.ErrRecordDeleted)
	got := suite.get("age", 31)
	suite.Equal(rev, got[RevField])
	suite.Equal(rev, suite.get("name", "alice")[RevField])
	suite.Equal(1, suite.count("age"))

	delete(rec, "name")
	_, err = suite.db.Update(rec)
	suite.Require().NoError(err)
	_, err = suite.db.Get("name", "alice")
	suite.True(dberr.IsNotFound(err))
	suite.Equal(0, suite.count("name"))

	rec["name"] = "alice"
	_, err = suite.db.Update(rec)
	suite.Require().NoError(err)
	suite.Equal(rec[IDField], suite.get("name", "alice")[IDField])
}

func (suite *DbSuite) TestRevConflict() {
	rec := suite.insert(Record{"name": "alice"})
	stale := Record{IDField: rec[IDField], RevField: rec[RevField], "name": "eve"}
	_, err := suite.db.Update(rec)
	suite.Require().NoError(err)
	_, err = suite.db.Update(stale)
	suite.ErrorIs(err, dberr.ErrRevConflict)
	suite.ErrorIs(suite.db.Delete(stale), dberr.ErrRevConflict)
	suite.Equal("alice", suite.get(IDIndex, rec[IDField])["name"])

	_, err = suite.db.Update(Record{"name": "no id"})
	suite.ErrorIs(err, dberr.ErrRecordNotFound)
}

func (suite *DbSuite) TestUnencodableKey() {
	long := "a name much longer than sixteen bytes"
	rec := suite.insert(Record{"name": "alice", "age": 30})
	end := suite.db.storages[0].Size()

	_, _, err := suite.db.Insert(Record{"name": long})
	suite.ErrorIs(err, dberr.ErrKeyFormat)
	changed := Record{IDField: rec[IDField], RevField: rec[RevField], "name": long, "age": 31}
	_, err = suite.db.Update(changed)
	suite.ErrorIs(err, dberr.ErrKeyFormat)
	suite.Equal(end, suite.db.storages[0].Size(), "failed writes store nothing")

	suite.Equal(1, suite.count(IDIndex))
	suite.Equal(rec[RevField], suite.get(IDIndex, rec[IDField])[RevField])
	suite.Equal(rec[RevField], suite.get("age", 30)[RevField])
	_, err = suite.db.Get("age", 31)
	suite.ErrorIs(err, dberr.ErrRecordNotFound)

	suite.Require().NoError(suite.db.Compact())
	suite.Equal("alice", suite.get("age", 30)["name"])
	suite.Equal(int64(30), suite.get("name", "alice")["age"])
}

func (suite *DbSuite) TestDelete() {
	rec := suite.insert(Record{"name": "alice", "age": 30})
	other := suite.insert(Record{"name": "bob", "age": 40})
	suite.Require().NoError(suite.db.Delete(rec))

	_, err := suite.db.Get(IDIndex, rec[IDField])
	suite.ErrorIs(err, dberr.ErrRecordDeleted)
	_, err = suite.db.Get("name", "alice")
	suite.ErrorIs(err, dberr.ErrRecordDeleted)
	_, err = suite.db.Get("age", 30)
	suite.ErrorIs(err, dberr.ErrRecordDeleted)
	suite.Equal(1, suite.count(IDIndex))
	suite.Equal(other[IDField], suite.get("age", 40)[IDField])

	suite.True(dberr.IsNotFound(suite.db.Delete(rec)))
}

func (suite *DbSuite) TestInsertWithID() {
	id := FormatID(uuid.New())
	rec := suite.insert(Record{IDField: id, "name": "x"})
	suite.Equal(id, rec[IDField])

	_, _, err := suite.db.Insert(Record{IDField: id})
	suite.ErrorIs(err, dberr.ErrIndexConflict)

	suite.Require().NoError(suite.db.Delete(rec))
	again := suite.insert(Record{IDField: id, "name": "y"})
	suite.Equal("y", suite.get(IDIndex, again[IDField])["name"])

	_, _, err = suite.db.Insert(Record{IDField: "not an id"})
	suite.ErrorIs(err, dberr.ErrKeyFormat)
}

func (suite *DbSuite) TestLastWriterWins() {
	first := suite.insert(Record{"name": "shared"})
	second := suite.insert(Record{"name": "shared"})
	suite.Equal(second[IDField], suite.get("name", "shared")[IDField])

	// first no longer owns the key
	suite.Require().NoError(suite.db.Delete(first))
	suite.Equal(second[IDField], suite.get("name", "shared")[IDField])
	suite.Equal(1, suite.count("name"))
}

func (suite *DbSuite) TestRange() {
	for _, age := range []int{7, 3, 12, 1, 9, 5, 11, 2} {
		suite.insert(Record{"age": age})
	}
	all := suite.collect(suite.db.All("age"))
	suite.Equal([]int64{1, 2, 3, 5, 7, 9, 11, 12}, ages(all))

	suite.Equal([]int64{3, 5, 7, 9},
		ages(suite.collect(suite.db.Range("age", 3, 9, index.RangeOptions{}))))
	suite.Equal([]int64{7, 5},
		ages(suite.collect(suite.db.Range("age", 3, 9,
			index.RangeOptions{ExcludeEnd: true, Reverse: true, Limit: 2}))))
	suite.Equal([]int64{9, 11, 12},
		ages(suite.collect(suite.db.Range("age", 8, nil, index.RangeOptions{}))))
	suite.Equal([]int64{3, 5},
		ages(suite.collect(suite.db.Range("age", nil, nil,
			index.RangeOptions{Offset: 2, Limit: 2}))))
	suite.Equal([]int64{5},
		ages(suite.collect(suite.db.GetMany("age", 5))))

	_, err := Collect(suite.db.Range("name", nil, nil, index.RangeOptions{}))
	suite.ErrorIs(err, dberr.ErrUnsupported)
	_, err = Collect(suite.db.All("nope"))
	suite.ErrorIs(err, dberr.ErrIndexNotFound)
}

func (suite *DbSuite) TestIteratorIsLazy() {
	suite.insert(Record{"age": 1})
	it := suite.db.All("age")
	suite.insert(Record{"age": 2})
	suite.Equal([]int64{1, 2}, ages(suite.collect(it)))
}

func (suite *DbSuite) TestClosed() {
	suite.Require().NoError(suite.db.Close())
	_, _, err := suite.db.Insert(Record{})
	suite.ErrorIs(err, dberr.ErrDatabaseClosed)
	_, err = suite.db.Get(IDIndex, FormatID(uuid.New()))
	suite.ErrorIs(err, dberr.ErrDatabaseClosed)
	_, err = Collect(suite.db.All(IDIndex))
	suite.ErrorIs(err, dberr.ErrDatabaseClosed)
	suite.ErrorIs(suite.db.Close(), dberr.ErrDatabaseClosed)
}

func (suite *DbSuite) TestIteratorAfterClose() {
	suite.insert(Record{"age": 1})
	suite.insert(Record{"age": 2})
	it := suite.db.All("age")
	suite.Require().True(it.HasNext())
	suite.Require().NoError(suite.db.Close())
	it.Next()
	suite.False(it.HasNext())
	suite.ErrorIs(it.Err(), dberr.ErrDatabaseClosed)
}

func (suite *DbSuite) TestCreateExisting() {
	_, err := Create(suite.fs, suite.opts)
	suite.ErrorIs(err, dberr.ErrDatabaseExists)
}

func (suite *DbSuite) TestOpenMissing() {
	_, err := Open(fs.MemFs(), testOptions())
	suite.ErrorIs(err, dberr.ErrDatabaseNotFound)
}

func (suite *DbSuite) TestBadDefinitions() {
	opts := testOptions()
	opts.Indexes = append(opts.Indexes, index.Definition{Name: "name", KeyFormat: "I", Field: "x"})
	_, err := Create(fs.MemFs(), opts)
	suite.ErrorIs(err, dberr.ErrIndexConflict)

	opts = testOptions()
	opts.Indexes = []index.Definition{{Name: IDIndex, KeyFormat: "I", Field: "x"}}
	_, err = Create(fs.MemFs(), opts)
	suite.ErrorIs(err, dberr.ErrIndexConflict)

	opts = testOptions()
	opts.Indexes = []index.Definition{{Name: "weird", Kind: "btree", KeyFormat: "I", Field: "x"}}
	_, err = Create(fs.MemFs(), opts)
	suite.ErrorIs(err, dberr.ErrIndex)
}

func (suite *DbSuite) TestDestroy() {
	suite.insert(Record{"name": "alice"})
	suite.Require().NoError(suite.db.Destroy())
	names, err := suite.fs.List()
	suite.NoError(err)
	suite.Empty(names)
	suite.False(Exists(suite.fs))
}

func (suite *DbSuite) TestFiles() {
	names, err := suite.fs.List()
	suite.NoError(err)
	suite.Equal([]string{"_journal", "_meta", "age.tidx", "id.hidx", "id_stor", "name.hidx"}, names)
}

func (suite *DbSuite) TestStorageSelector() {
	opts := testOptions()
	opts.Storages = []string{"main", "archive"}
	opts.StorageSelector = func(rec Record) string {
		if rec["archived"] == true {
			return "archive"
		}
		return "main"
	}
	suite.recreate(opts)
	live := suite.insert(Record{"name": "live"})
	old := suite.insert(Record{"name": "old", "archived": true})
	suite.Equal([]string{"main", "archive"}, suite.db.Storages())
	for _, s := range suite.db.storages {
		suite.Greater(s.Size(), int64(storage.HeaderSize), "%s should hold a record", s.Name())
	}
	suite.Equal(live[IDField], suite.get("name", "live")[IDField])
	suite.Equal(true, suite.get("name", "old")["archived"])

	// moving a document between storages
	old["archived"] = false
	_, err := suite.db.Update(old)
	suite.Require().NoError(err)
	suite.Require().NoError(suite.db.Compact())
	suite.Equal(int64(storage.HeaderSize), suite.db.storages[1].Size())
	suite.Equal(false, suite.get("name", "old")["archived"])
}

func (suite *DbSuite) TestCompressedCachedFsync() {
	opts := testOptions()
	opts.Compress = true
	opts.Durability = DurabilityFsync
	opts.Cache = CacheOptions{Kind: cache.KindLFU, Size: 4}
	suite.recreate(opts)
	rec := suite.insert(Record{"name": "alice", "age": 30, "bio": string(make([]byte, 1000))})
	suite.Less(suite.db.storages[0].Size(), int64(storage.HeaderSize+500), "record should be compressed")
	suite.Equal(int64(30), suite.get("name", "alice")["age"])

	// cached entries must follow updates
	rec["age"] = 31
	_, err := suite.db.Update(rec)
	suite.Require().NoError(err)
	suite.Equal(int64(31), suite.get("name", "alice")["age"])
	suite.Require().NoError(suite.db.Delete(rec))
	_, err = suite.db.Get("name", "alice")
	suite.ErrorIs(err, dberr.ErrRecordDeleted)
}

func (suite *DbSuite) TestShardedIndex() {
	opts := testOptions()
	opts.Indexes = append(opts.Indexes,
		index.Definition{Name: "city", Kind: index.KindSharded, ShardKind: index.KindMultiTree,
			Shards: 3, KeyFormat: "8s", Field: "addr.city", NodeCapacity: 4},
		index.Definition{Name: "email", Kind: index.KindSharded, KeyFormat: "16s", Field: "email",
			Digest: true, Buckets: 16})
	suite.recreate(opts)
	cities := []string{"paris", "rome", "oslo", "paris", "lima", "rome", "paris"}
	for i, c := range cities {
		suite.insert(Record{"addr": map[string]interface{}{"city": c}, "n": i,
			"email": c + "@example.com"})
	}
	suite.Equal(len(cities), suite.count("city"))
	suite.Len(suite.collect(suite.db.GetMany("city", "paris")), 3)
	suite.Len(suite.collect(suite.db.Range("city", "m", "z", index.RangeOptions{})), 6)
	suite.Equal(int64(4), suite.get("email", "lima@example.com")["n"])

	names, err := suite.fs.List()
	suite.NoError(err)
	suite.Contains(names, "city0.tidx")
	suite.Contains(names, "city2.tidx")
	suite.Contains(names, "email4.hidx")
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docdb.yaml")
	conf := `
storages: [main, archive]
compress: true
durability: fsync
cache:
  kind: lfu
concurrency:
  mode: threads
indexes:
  - name: title
    kind: hash
    key_format: 16s
    field: title
    digest: true
  - name: year
    kind: tree
    key_format: H
    field: info.year
`
	require.NoError(t, os.WriteFile(path, []byte(conf), 0644))
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "archive"}, opts.Storages)
	assert.True(t, opts.Compress)
	assert.Equal(t, DurabilityFsync, opts.Durability)
	assert.Equal(t, cache.KindLFU, opts.Cache.Kind)
	assert.Equal(t, 1024, opts.Cache.Size)
	assert.Equal(t, ModeThreads, opts.Concurrency.Mode)
	require.Len(t, opts.Indexes, 2)
	assert.Equal(t, index.Definition{Name: "title", Kind: index.KindHash, KeyFormat: "16s",
		Field: "title", Digest: true}, opts.Indexes[0])
	assert.Equal(t, "info.year", opts.Indexes[1].Field)

	opts.Logger = quietLogger()
	d, err := Create(fs.MemFs(), opts)
	require.NoError(t, err)
	_, _, err = d.Insert(Record{"title": "Heat", "info": map[string]interface{}{"year": 1995}})
	require.NoError(t, err)
	rec, err := d.Get("year", 1995)
	require.NoError(t, err)
	assert.Equal(t, "Heat", rec["title"])
	assert.NoError(t, d.Close())
}

func TestLoadOptionsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("durability: sometimes\n"), 0644))
	_, err := LoadOptions(path)
	assert.Error(t, err)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
