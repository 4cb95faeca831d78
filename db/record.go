package db

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/index"
)

func newID() (uuid.UUID, string) {
	id := uuid.New()
	return id, hex.EncodeToString(id[:])
}

func newRev() string {
	r := uuid.New()
	return hex.EncodeToString(r[:4])
}

// FormatID renders a document id the way it is stored in records.
func FormatID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// ParseID accepts an id as stored in records (32 hex digits), in dashed
// UUID form, or as a uuid.UUID.
func ParseID(v interface{}) (uuid.UUID, error) {
	switch v := v.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.UUID{}, errors.Wrapf(dberr.ErrKeyFormat, "bad document id %q", v)
		}
		return id, nil
	case []byte:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return uuid.UUID{}, errors.Wrapf(dberr.ErrKeyFormat, "bad document id %x", v)
		}
		return id, nil
	}
	return uuid.UUID{}, errors.Wrapf(dberr.ErrKeyFormat, "document id has type %T", v)
}

func recordID(rec Record) (uuid.UUID, error) {
	v, ok := rec[IDField]
	if !ok {
		return uuid.UUID{}, errors.Wrapf(dberr.ErrRecordNotFound, "record has no %s", IDField)
	}
	return ParseID(v)
}

func checkRev(stored, rec Record) error {
	if stored[RevField] != rec[RevField] {
		return errors.Wrapf(dberr.ErrRevConflict, "document %v is at revision %v, not %v",
			stored[IDField], stored[RevField], rec[RevField])
	}
	return nil
}

// idDefinition is the primary index: document ids in a hash index.
func idDefinition() index.Definition {
	def := index.Definition{
		Name:      IDIndex,
		Kind:      index.KindHash,
		KeyFormat: "16s",
	}
	def.MakeKeyValue = func(rec map[string]interface{}) (interface{}, bool) {
		v, ok := rec[IDField]
		return v, ok
	}
	def.MakeKey = func(key interface{}) ([]byte, error) {
		id, err := ParseID(key)
		if err != nil {
			return nil, err
		}
		return id[:], nil
	}
	return def
}
