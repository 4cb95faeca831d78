package fs

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

func (s *Stats) readOp(bytes int) {
	atomic.AddInt64(&s.ReadOps, 1)
	atomic.AddInt64(&s.ReadBytes, int64(bytes))
}

func (s *Stats) writeOp(bytes int) {
	atomic.AddInt64(&s.WriteOps, 1)
	atomic.AddInt64(&s.WriteBytes, int64(bytes))
}

type aferoFs struct {
	fs afero.Afero
	*Stats
}

type aferoFile struct {
	afero.File
	*Stats
}

func (f aferoFile) Size() (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// ReadAt reads exactly len(p) bytes or fails with io.ErrUnexpectedEOF.
func (f aferoFile) ReadAt(p []byte, off int64) (int, error) {
	defer f.readOp(len(p))
	n, err := f.File.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, errors.Wrapf(err, "short ReadAt(%d, %d) -> %d bytes for %s", off, len(p), n, f.Name())
}

func (f aferoFile) WriteAt(p []byte, off int64) (int, error) {
	defer f.writeOp(len(p))
	return f.File.WriteAt(p, off)
}

func abs(fname string) string {
	return fmt.Sprintf("/%s", fname)
}

func (fs aferoFs) Open(fname string) (File, error) {
	f, err := fs.fs.OpenFile(abs(fname), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return aferoFile{f, fs.Stats}, nil
}

func (fs aferoFs) Create(fname string) (File, error) {
	f, err := fs.fs.OpenFile(abs(fname), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	return aferoFile{f, fs.Stats}, nil
}

func (fs aferoFs) Exists(fname string) bool {
	ok, err := fs.fs.Exists(abs(fname))
	return err == nil && ok
}

func (fs aferoFs) List() ([]string, error) {
	names, err := afero.Glob(fs.fs, abs("*"))
	if err != nil {
		return nil, err
	}
	for i, n := range names {
		names[i] = path.Base(n)
	}
	sort.Strings(names)
	return names, nil
}

func (fs aferoFs) Delete(fname string) error {
	return fs.fs.Remove(abs(fname))
}

func (fs aferoFs) Rename(src, dst string) error {
	return fs.fs.Rename(abs(src), abs(dst))
}

func (fs aferoFs) ReadAll(fname string) ([]byte, error) {
	data, err := fs.fs.ReadFile(abs(fname))
	if err == nil {
		fs.readOp(len(data))
	}
	return data, err
}

func (fs aferoFs) AtomicCreateWith(fname string, data []byte) error {
	tmpFile := abs(fmt.Sprintf("%s.tmp", fname))
	err := fs.fs.WriteFile(tmpFile, data, 0644)
	if err != nil {
		return err
	}
	fs.writeOp(len(data))
	f, err := fs.fs.OpenFile(tmpFile, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	err = f.Sync()
	f.Close()
	if err != nil {
		return err
	}
	return fs.fs.Rename(tmpFile, abs(fname))
}

func (fs aferoFs) GetStats() Stats {
	return Stats{
		ReadOps:    atomic.LoadInt64(&fs.ReadOps),
		ReadBytes:  atomic.LoadInt64(&fs.ReadBytes),
		WriteOps:   atomic.LoadInt64(&fs.WriteOps),
		WriteBytes: atomic.LoadInt64(&fs.WriteBytes),
	}
}

func deleteTmpFiles(fs afero.Fs) error {
	tmpFiles, err := afero.Glob(fs, abs("*.tmp"))
	if err != nil {
		return err
	}
	for _, n := range tmpFiles {
		if err := fs.Remove(n); err != nil {
			return err
		}
	}
	return nil
}

// FromAfero creates an fs.Filesys from any Afero file system.
//
// This implementation will use absolute filenames for the database files; use
// an afero.BasePathFs to make sure all database files are created within a
// particular directory.
//
// Deletes all files named *.tmp, as a file-system recovery for AtomicCreateWith.
func FromAfero(fs afero.Fs) (Filesys, error) {
	if err := deleteTmpFiles(fs); err != nil {
		return nil, err
	}
	return aferoFs{fs: afero.Afero{Fs: fs}, Stats: new(Stats)}, nil
}

// MemFs creates an in-memory Filesys
func MemFs() Filesys {
	fs, err := FromAfero(afero.NewMemMapFs())
	if err != nil {
		// an empty MemMapFs has no temporary files to remove
		panic(err)
	}
	return fs
}

// DirFs creates a Filesys backed by the OS, using basedir.
//
// Creates basedir if it does not exist.
func DirFs(basedir string) (Filesys, error) {
	fs := afero.NewOsFs()
	ok, err := afero.DirExists(fs, basedir)
	if err != nil {
		return nil, err
	}
	if !ok {
		err = fs.MkdirAll(basedir, 0755)
		if err != nil {
			return nil, err
		}
	}
	baseFs := afero.NewBasePathFs(fs, basedir)
	return FromAfero(baseFs)
}
