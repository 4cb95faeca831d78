package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
)

type StorageSuite struct {
	suite.Suite
	fs fs.Filesys
	s  *Storage
}

func TestStorage(t *testing.T) {
	suite.Run(t, new(StorageSuite))
}

func (suite *StorageSuite) SetupTest() {
	suite.fs = fs.MemFs()
	suite.s = New(suite.fs, "id_stor", Options{})
	suite.Require().NoError(suite.s.Create())
}

func (suite *StorageSuite) reopen(opts Options) {
	suite.Require().NoError(suite.s.Close())
	suite.s = New(suite.fs, "id_stor", opts)
	suite.Require().NoError(suite.s.Open())
}

func (suite *StorageSuite) TestHeader() {
	data, err := suite.fs.ReadAll("id_stor")
	suite.Require().NoError(err)
	suite.Equal(HeaderSize, len(data))
	suite.Equal(FormatVersion, string(data[:10]))
	suite.Equal(make([]byte, 90), data[10:])
}

func (suite *StorageSuite) TestCreateExisting() {
	err := New(suite.fs, "id_stor", Options{}).Create()
	suite.True(errors.Is(err, dberr.ErrStorage))
}

func (suite *StorageSuite) TestOpenMissing() {
	err := New(suite.fs, "other_stor", Options{}).Open()
	suite.True(errors.Is(err, dberr.ErrStorage))
}

func (suite *StorageSuite) TestRoundTrip() {
	recs := []map[string]interface{}{
		{"title": "Alien", "_t": "media"},
		{"title": "Brazil", "year": int64(1985), "score": 7.9, "tags": []interface{}{"a", "b"}},
		{},
		{"nested": map[string]interface{}{"x": true, "y": nil}},
	}
	for _, rec := range recs {
		start, size, err := suite.s.Save(rec)
		suite.Require().NoError(err)
		got, err := suite.s.Get(start, size, StatusCurrent)
		suite.Require().NoError(err)
		suite.Equal(rec, got)
	}
}

func (suite *StorageSuite) TestRoundTripTypes() {
	start, size, err := suite.s.Save(map[string]interface{}{
		"small":  7,
		"goint":  1001,
		"neg":    int32(-70000),
		"u8":     uint8(200),
		"huge":   uint64(1 << 63),
		"f32":    float32(0.5),
		"raw":    []byte{1, 2, 3},
		"list":   []interface{}{300, []byte{4}},
		"nested": map[string]interface{}{"n": 65536},
	})
	suite.Require().NoError(err)
	got, err := suite.s.Get(start, size, StatusCurrent)
	suite.Require().NoError(err)
	suite.Equal(map[string]interface{}{
		"small":  int64(7),
		"goint":  int64(1001),
		"neg":    int64(-70000),
		"u8":     int64(200),
		"huge":   uint64(1 << 63),
		"f32":    float64(0.5),
		"raw":    []byte{1, 2, 3},
		"list":   []interface{}{int64(300), []byte{4}},
		"nested": map[string]interface{}{"n": int64(65536)},
	}, got)
}

func (suite *StorageSuite) TestAppendOnly() {
	start1, size1, _ := suite.s.Save(map[string]interface{}{"a": "1"})
	start2, _, _ := suite.s.Update(map[string]interface{}{"a": "2"})
	suite.Equal(uint64(HeaderSize), start1)
	suite.Equal(start1+uint64(size1), start2, "records are contiguous")
	got, err := suite.s.Get(start1, size1, StatusCurrent)
	suite.NoError(err)
	suite.Equal("1", got["a"], "old record is not overwritten")
}

func (suite *StorageSuite) TestTombstone() {
	start, size, _ := suite.s.Save(map[string]interface{}{"a": "1"})
	got, err := suite.s.Get(start, size, StatusDeleted)
	suite.NoError(err)
	suite.Nil(got)
	// even nonsense locations are not read for deleted records
	got, err = suite.s.Get(1<<40, 12, StatusDeleted)
	suite.NoError(err)
	suite.Nil(got)
}

func (suite *StorageSuite) TestCorruptRecord() {
	start, _, _ := suite.s.Save(map[string]interface{}{"a": "1"})
	_, err := suite.s.Get(start, 2, StatusCurrent)
	suite.True(errors.Is(err, dberr.ErrStorage), "truncated record should not decode")
	_, err = suite.s.Get(start, 1<<20, StatusCurrent)
	suite.True(errors.Is(err, dberr.ErrStorage), "out of bounds read")
}

func (suite *StorageSuite) TestReopenAppends() {
	start1, size1, _ := suite.s.Save(map[string]interface{}{"a": "1"})
	suite.reopen(Options{})
	start2, size2, err := suite.s.Save(map[string]interface{}{"a": "2"})
	suite.Require().NoError(err)
	suite.Equal(start1+uint64(size1), start2)
	got, _ := suite.s.Get(start1, size1, StatusCurrent)
	suite.Equal("1", got["a"])
	got, _ = suite.s.Get(start2, size2, StatusCurrent)
	suite.Equal("2", got["a"])
}

func (suite *StorageSuite) TestCompressionMixed() {
	plainStart, plainSize, _ := suite.s.Save(map[string]interface{}{"a": "plain"})
	suite.reopen(Options{Compress: true, Durability: DurabilityFsync})
	big := map[string]interface{}{"text": string(make([]byte, 4096))}
	start, size, err := suite.s.Save(big)
	suite.Require().NoError(err)
	suite.Less(int(size), 4096, "zeros should compress")
	got, err := suite.s.Get(start, size, StatusCurrent)
	suite.NoError(err)
	suite.Equal(big, got)
	got, err = suite.s.Get(plainStart, plainSize, StatusCurrent)
	suite.NoError(err)
	suite.Equal("plain", got["a"])
}

func (suite *StorageSuite) TestShortHeader() {
	f, err := suite.fs.Create("bad_stor")
	suite.Require().NoError(err)
	f.WriteAt([]byte("docdb"), 0)
	f.Close()
	err = New(suite.fs, "bad_stor", Options{}).Open()
	suite.True(errors.Is(err, dberr.ErrStorage))
}

func (suite *StorageSuite) TestAppendRawPending() {
	start, size, err := suite.s.AppendRaw([]byte{codecMsgpack, 0x80})
	suite.Require().NoError(err)
	// reads see bytes that have not been flushed yet
	got, err := suite.s.Get(start, size, StatusCurrent)
	suite.NoError(err)
	suite.Empty(got)
	suite.NoError(suite.s.Flush())
	suite.Equal(int64(HeaderSize)+2, suite.s.Size())
}

func (suite *StorageSuite) TestDestroy() {
	suite.NoError(suite.s.Destroy())
	suite.False(suite.fs.Exists("id_stor"))
	err := suite.s.Destroy()
	suite.True(errors.Is(err, dberr.ErrStorage), "destroying a missing file fails")
}
