// Package dberr defines the error taxonomy shared by storages, indexes and
// the database facade.
//
// Errors are sentinels; callers wrap them with context using
// github.com/pkg/errors and match them with errors.Is.
package dberr

import "github.com/pkg/errors"

var (
	// ErrStorage reports file-level I/O and format errors in a storage.
	ErrStorage = errors.New("storage error")
	// ErrIndex reports structural problems in an index file.
	ErrIndex = errors.New("index error")
	// ErrIndexConflict reports a key or definition that clashes with existing state.
	ErrIndexConflict = errors.New("index conflict")
	// ErrIndexNotFound reports an index name that is not registered.
	ErrIndexNotFound = errors.New("index not found")
	// ErrRecordNotFound reports a key that was never present.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordDeleted reports a key whose entry is tombstoned.
	ErrRecordDeleted = errors.New("record deleted")
	// ErrRevConflict reports an update or delete against a stale revision.
	ErrRevConflict = errors.New("revision conflict")
	// ErrDatabaseExists reports Create over an existing database.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrDatabaseNotFound reports Open of a directory holding no database.
	ErrDatabaseNotFound = errors.New("database does not exist")
	// ErrDatabaseClosed reports use of a database that is not open.
	ErrDatabaseClosed = errors.New("database is closed")
	// ErrKeyFormat reports a key that does not fit an index's key format.
	ErrKeyFormat = errors.New("bad key format")
	// ErrUnsupported reports an operation the index engine does not provide.
	ErrUnsupported = errors.New("operation not supported by index")
)

// IsNotFound reports whether err means the key is absent or tombstoned.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrRecordDeleted)
}
