package fs

import (
	"io"
)

// File is a random-access handle to one database file.
//
// Callers address files only with explicit offsets; there is no shared file
// position, so appends are done with WriteAt at the current Size.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Name() string
}

// Filesys is a database-specific API for accessing the file system.
//
// Note that an instance of this interface only exposes a single directory
// (there are no directory names in these methods).
//
// Callers are expected to follow some rules when calling this API:
// - Open: fname should exist
// - Create: fname should not exist
// - Delete: fname should exist
//
// Violations are reported as errors wrapping os.ErrNotExist or os.ErrExist.
type Filesys interface {
	Open(fname string) (File, error)
	Create(fname string) (File, error)
	Exists(fname string) bool
	List() ([]string, error)
	Delete(fname string) error
	Rename(src, dst string) error
	ReadAll(fname string) ([]byte, error)
	AtomicCreateWith(fname string, data []byte) error
	GetStats() Stats
}

// Stats counts the I/O issued through a Filesys.
type Stats struct {
	ReadOps    int64
	ReadBytes  int64
	WriteOps   int64
	WriteBytes int64
}

// DeleteAll removes every file in the file system.
func DeleteAll(fs Filesys) error {
	names, err := fs.List()
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := fs.Delete(n); err != nil {
			return err
		}
	}
	return nil
}
