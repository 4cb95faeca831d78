package db

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

type MigrateSuite struct {
	*DbSuite
}

func TestMigrateSuite(t *testing.T) {
	suite.Run(t, &MigrateSuite{new(DbSuite)})
}

func withoutRev(recs []Record) map[string]Record {
	byID := make(map[string]Record)
	for _, rec := range recs {
		rec = copyRecord(rec)
		delete(rec, RevField)
		byID[rec[IDField].(string)] = rec
	}
	return byID
}

func (suite MigrateSuite) populate() {
	for i := 0; i < 30; i++ {
		rec := suite.insert(Record{"age": i, "name": string(rune('a' + i%26)), "nested": map[string]interface{}{"i": i}})
		if i%7 == 0 {
			suite.Require().NoError(suite.db.Delete(rec))
		}
	}
}

func (suite MigrateSuite) TestMigrateFs() {
	opts := testOptions()
	opts.Storages = []string{"main", "side"}
	opts.Indexes = append(opts.Indexes,
		index.Definition{Name: "nested", Kind: index.KindSharded, ShardKind: index.KindTree,
			Shards: 2, KeyFormat: "i", Field: "nested.i"})
	suite.recreate(opts)
	suite.populate()
	src := suite.collect(suite.db.All(IDIndex))
	suite.Require().NoError(suite.db.Close())

	dst := fs.MemFs()
	n, err := MigrateFs(suite.fs, dst, Options{Logger: quietLogger()})
	suite.Require().NoError(err)
	suite.Equal(len(src), n)
	suite.False(suite.fs.Exists("id_stor"), "the source gains no storage")

	suite.db, err = Open(dst, Options{Logger: quietLogger()})
	suite.Require().NoError(err)
	suite.Equal([]string{"main", "side"}, suite.db.Storages())
	suite.Len(suite.db.Definitions(), 4)
	migrated := suite.collect(suite.db.All(IDIndex))
	suite.Equal(withoutRev(src), withoutRev(migrated))
	for _, rec := range migrated {
		suite.Len(rec[RevField], 8, "copies get fresh revisions")
	}
	suite.Len(suite.collect(suite.db.Range("age", 10, 19, index.RangeOptions{})), 9)
	suite.Equal(int64(12), suite.get("nested", 12)["age"])
}

func (suite MigrateSuite) TestMigrateStores() {
	suite.populate()
	src := suite.collect(suite.db.All(IDIndex))

	dstFs := fs.MemFs()
	dst, err := Create(dstFs, testOptions())
	suite.Require().NoError(err)
	n, err := Migrate(NewSuperThreadSafe(suite.db, nil), dst)
	suite.Require().NoError(err)
	suite.Equal(len(src), n)
	suite.Equal(withoutRev(src), withoutRev(suite.collect(dst.All(IDIndex))))
	suite.NoError(dst.Close())
}
