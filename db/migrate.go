package db

import (
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/fs"
)

// Migrate copies every document of src into dst, keeping ids. The copies
// get fresh revisions. It returns the number of documents copied.
func Migrate(src, dst Store) (int, error) {
	it := src.All(IDIndex)
	n := 0
	for it.HasNext() {
		rec := copyRecord(it.Next())
		delete(rec, RevField)
		if _, _, err := dst.Insert(rec); err != nil {
			return n, errors.Wrapf(err, "migrate document %v", rec[IDField])
		}
		n++
	}
	return n, it.Err()
}

// MigrateFs copies the database in src into a new database in dst with the
// same storages and indexes. opts supplies everything else, including key
// functions for indexes that are not defined by a field.
func MigrateFs(src, dst fs.Filesys, opts Options) (int, error) {
	from, err := Open(src, opts)
	if err != nil {
		return 0, errors.Wrap(err, "open source")
	}
	defer from.Close()
	toOpts := opts
	toOpts.Storages = from.Storages()
	toOpts.Indexes = from.Definitions()[1:]
	to, err := Create(dst, toOpts)
	if err != nil {
		return 0, errors.Wrap(err, "create destination")
	}
	n, err := Migrate(from, to)
	if cerr := to.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		from.log.WithField("documents", n).Info("migrated database")
	}
	return n, err
}
