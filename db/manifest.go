package db

// The manifest (_meta) records what a database is made of: its storages, in
// storage-id order, and the layout of every index. Key functions are code,
// so they are not recorded; indexes defined by a field are fully described
// by the manifest and can be opened without application code.
//
// The manifest is msgpack-encoded and replaced atomically.

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

const (
	metaFile      = "_meta"
	journalFile   = "_journal"
	storageSuffix = "_stor"
	// suffix of the files compaction and reindexing build
	compactSuffix = ".compact"

	manifestVersion = 1
)

type manifest struct {
	Version  int                `msgpack:"version"`
	Storages []string           `msgpack:"storages"`
	Indexes  []index.Definition `msgpack:"indexes"`
}

func storageFile(name string) string {
	return name + storageSuffix
}

func readManifest(filesys fs.Filesys) (manifest, error) {
	var mf manifest
	if !filesys.Exists(metaFile) {
		return mf, errors.Wrap(dberr.ErrDatabaseNotFound, "no "+metaFile)
	}
	data, err := filesys.ReadAll(metaFile)
	if err != nil {
		return mf, errors.Wrapf(dberr.ErrStorage, "read %s: %v", metaFile, err)
	}
	if err := msgpack.Unmarshal(data, &mf); err != nil {
		return mf, errors.Wrapf(dberr.ErrStorage, "decode %s: %v", metaFile, err)
	}
	if mf.Version != manifestVersion {
		return mf, errors.Wrapf(dberr.ErrStorage, "%s has version %d, want %d", metaFile, mf.Version, manifestVersion)
	}
	if len(mf.Storages) == 0 || len(mf.Indexes) == 0 || mf.Indexes[0].Name != IDIndex {
		return mf, errors.Wrapf(dberr.ErrStorage, "%s is incomplete", metaFile)
	}
	return mf, nil
}

func (mf manifest) write(filesys fs.Filesys) error {
	data, err := msgpack.Marshal(mf)
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "encode %s: %v", metaFile, err)
	}
	if err := filesys.AtomicCreateWith(metaFile, data); err != nil {
		return errors.Wrapf(dberr.ErrStorage, "write %s: %v", metaFile, err)
	}
	return nil
}

func (mf manifest) indexNamed(name string) (index.Definition, bool) {
	for _, def := range mf.Indexes {
		if def.Name == name {
			return def, true
		}
	}
	return index.Definition{}, false
}

// layoutOnly strips what the manifest does not record.
func layoutOnly(def index.Definition) index.Definition {
	def = def.WithDefaults()
	def.KeyFuncs = index.KeyFuncs{}
	def.ShardKeys = nil
	def.Suffix = ""
	return def
}

// resolveIndexes pairs the recorded index layouts with the definitions
// supplied at open. Recorded indexes keep their layout and take their key
// functions from the supplied definition of the same name, if any. Supplied
// definitions that are not recorded are returned as added.
func (mf manifest) resolveIndexes(supplied []index.Definition) (defs, added []index.Definition, err error) {
	byName := make(map[string]index.Definition)
	for _, s := range supplied {
		if s.Name == IDIndex {
			return nil, nil, errors.Wrapf(dberr.ErrIndexConflict, "index name %q is reserved", IDIndex)
		}
		if _, dup := byName[s.Name]; dup {
			return nil, nil, errors.Wrapf(dberr.ErrIndexConflict, "index %s defined twice", s.Name)
		}
		byName[s.Name] = s
	}
	for _, rec := range mf.Indexes {
		if rec.Name == IDIndex {
			id := idDefinition()
			id.Buckets = rec.Buckets
			defs = append(defs, id)
			continue
		}
		s, ok := byName[rec.Name]
		if !ok {
			defs = append(defs, rec)
			continue
		}
		if !rec.SameLayout(s) {
			return nil, nil, errors.Wrapf(dberr.ErrIndexConflict,
				"index %s was created as %s %q; reindex into a new index to change it",
				rec.Name, rec.Kind, rec.KeyFormat)
		}
		s = s.WithDefaults()
		if s.Field == "" && s.MakeKeyValue == nil {
			s.Field, s.Digest = rec.Field, rec.Digest
		}
		defs = append(defs, s)
		delete(byName, rec.Name)
	}
	for _, s := range supplied {
		if _, ok := byName[s.Name]; ok {
			added = append(added, s)
		}
	}
	return defs, added, nil
}

// isKnownFile reports whether name belongs to the database.
func (d *Database) isKnownFile(name string) bool {
	if name == metaFile || name == journalFile {
		return true
	}
	for _, s := range d.storages {
		if s.Name() == name {
			return true
		}
	}
	for _, idx := range d.indexes {
		for _, f := range idx.Files() {
			if f == name {
				return true
			}
		}
	}
	return false
}

// cleanup deletes files left behind by interrupted compactions, reindexing
// and atomic writes.
func (d *Database) cleanup() error {
	names, err := d.fs.List()
	if err != nil {
		return errors.Wrapf(dberr.ErrStorage, "list files: %v", err)
	}
	for _, f := range names {
		if d.isKnownFile(f) {
			continue
		}
		if !strings.HasSuffix(f, compactSuffix) && !strings.HasSuffix(f, ".tmp") {
			continue
		}
		d.log.WithField("file", f).Info("deleting obsolete file")
		if err := d.fs.Delete(f); err != nil {
			return errors.Wrapf(dberr.ErrStorage, "delete %s: %v", f, err)
		}
	}
	return nil
}
