package journal

// Atomic storage for binary blobs
//
// Supports storing binary blobs ("transactions") atomically with respect to
// crashes. The database uses it to commit file-swap plans for compaction and
// reindexing: a plan is only acted on once its commit record is durable.
//
// API:
// - Add: commits a transaction
// - RecoverTxns: returns successfully committed transactions
// - Clear: forgets all transactions once they have been applied
//
// How to use this API:
// - Recover and apply any committed transactions left by a crash.
// - Create a Writer (which starts from an empty file).
// - Serialize application-level plans and add them as transactions.
// - Once a plan is fully applied, Clear the journal.

import (
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

type recordType uint8

const (
	invalidRecord recordType = iota
	dataRecord
	commitRecord
)

type record struct {
	Type recordType
	Data []byte
}

// ErrCorrupt reports a journal whose records are out of order.
var ErrCorrupt = errors.New("journal: corrupt record sequence")

// File is the subset of fs.File the journal writes to.
type File interface {
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// appender turns positional writes into a sequential stream for gob.
type appender struct {
	f   File
	off int64
}

func (a *appender) Write(p []byte) (int, error) {
	n, err := a.f.WriteAt(p, a.off)
	a.off += int64(n)
	return n, err
}

type Writer struct {
	log File
	w   *appender
	enc *gob.Encoder
}

// New starts a journal in f, discarding anything f contained.
//
// Callers must recover f's transactions before calling New.
func New(f File) (*Writer, error) {
	l := &Writer{log: f}
	if err := l.Clear(); err != nil {
		return nil, err
	}
	return l, nil
}

// Add durably commits data as one transaction.
func (l *Writer) Add(data []byte) error {
	if err := l.enc.Encode(record{dataRecord, data}); err != nil {
		return err
	}
	if err := l.log.Sync(); err != nil {
		return err
	}
	if err := l.enc.Encode(record{commitRecord, nil}); err != nil {
		return err
	}
	return l.log.Sync()
}

// Clear truncates the journal.
//
// A gob stream carries its type definitions once, so clearing also restarts
// the encoder.
func (l *Writer) Clear() error {
	if err := l.log.Truncate(0); err != nil {
		return err
	}
	l.w = &appender{f: l.log}
	l.enc = gob.NewEncoder(l.w)
	return l.log.Sync()
}

func (l *Writer) Close() error {
	return l.log.Close()
}

// RecoverTxns returns the committed transactions in log, in commit order.
//
// A trailing data record without its commit record is a transaction
// interrupted by a crash and is ignored.
func RecoverTxns(log io.Reader) (txns [][]byte, err error) {
	dec := gob.NewDecoder(log)
	for {
		var data record
		err := dec.Decode(&data)
		if err != nil {
			// interpret this as a partial transaction
			return txns, nil
		}
		if data.Type != dataRecord {
			return nil, errors.Wrapf(ErrCorrupt, "expected data record, got %d", data.Type)
		}
		var commit record
		err = dec.Decode(&commit)
		if err != nil {
			// data record was not successfully committed, so ignore it
			return txns, nil
		}
		if commit.Type != commitRecord {
			return nil, errors.Wrapf(ErrCorrupt, "expected commit record, got %d", commit.Type)
		}
		txns = append(txns, data.Data)
	}
}
