package journal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchajed/docdb/fs"
)

func newLog(t *testing.T) (fs.Filesys, *Writer) {
	filesys := fs.MemFs()
	f, err := filesys.Create("journal")
	require.NoError(t, err)
	w, err := New(f)
	require.NoError(t, err)
	return filesys, w
}

func recoverLog(t *testing.T, filesys fs.Filesys) [][]byte {
	data, err := filesys.ReadAll("journal")
	require.NoError(t, err)
	txns, err := RecoverTxns(bytes.NewReader(data))
	require.NoError(t, err)
	return txns
}

func TestLogEmpty(t *testing.T) {
	assert := assert.New(t)
	txns, err := RecoverTxns(bytes.NewReader(nil))
	assert.NoError(err)
	assert.Empty(txns, "empty file should be an empty log")
}

func TestLogNoTxns(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Empty(txns, "log should have no transactions")
}

func TestLogSingle(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	assert.NoError(w.Add([]byte{1, 2, 3}))
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Equal([][]byte{
		{1, 2, 3},
	}, txns, "should recover single txn")
}

func TestLogMultiple(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	w.Add([]byte{1, 2, 3})
	w.Add([]byte{4})
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Equal([][]byte{
		{1, 2, 3},
		{4},
	}, txns, "should recover multiple txns")
}

func TestLogEmptyTxn(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	w.Add([]byte{1})
	w.Add([]byte{})
	w.Add([]byte{4})
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Equal([][]byte{
		{1},
		// note that due to gob, this is nil instead of an empty byte slice
		// (though these are functionally identical in Go for the most part)
		nil,
		{4},
	}, txns, "should recover an empty txn")
}

func TestLogClear(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	w.Add([]byte{1})
	assert.NoError(w.Clear())
	w.Add([]byte{2})
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Equal([][]byte{{2}}, txns, "cleared transactions should be gone")
}

func TestLogUncommittedTail(t *testing.T) {
	assert := assert.New(t)
	filesys, w := newLog(t)
	w.Add([]byte{1})
	// a data record with no commit record, as if we crashed mid-Add
	assert.NoError(w.enc.Encode(record{dataRecord, []byte{2}}))
	w.Close()
	txns := recoverLog(t, filesys)
	assert.Equal([][]byte{{1}}, txns, "uncommitted txn should be ignored")
}
