package index

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
)

// Kind names an index engine.
type Kind string

const (
	KindHash      Kind = "hash"
	KindTree      Kind = "tree"
	KindMultiTree Kind = "multitree"
	KindSharded   Kind = "sharded"
)

const (
	DefaultBuckets      = 4096
	DefaultNodeCapacity = 64
	DefaultShards       = 5
)

// KeyFuncs derive index keys from records.
type KeyFuncs struct {
	MakeKeyValue func(rec map[string]interface{}) (interface{}, bool)
	MakeKey      func(key interface{}) ([]byte, error)
}

// Definition describes an index. The tagged fields are persisted with the
// database; key functions are supplied by the application on every open.
//
// Without key functions, an index keys records by Field (a dotted path into
// nested maps), encoded with KeyFormat, hashed first if Digest is set.
type Definition struct {
	Name      string `yaml:"name" msgpack:"name"`
	Kind      Kind   `yaml:"kind" msgpack:"kind"`
	KeyFormat string `yaml:"key_format" msgpack:"key_format"`
	Field     string `yaml:"field,omitempty" msgpack:"field,omitempty"`
	Digest    bool   `yaml:"digest,omitempty" msgpack:"digest,omitempty"`

	Buckets      int  `yaml:"buckets,omitempty" msgpack:"buckets,omitempty"`
	NodeCapacity int  `yaml:"node_capacity,omitempty" msgpack:"node_capacity,omitempty"`
	Shards       int  `yaml:"shards,omitempty" msgpack:"shards,omitempty"`
	ShardKind    Kind `yaml:"shard_kind,omitempty" msgpack:"shard_kind,omitempty"`

	KeyFuncs `yaml:"-" msgpack:"-"`
	// ShardKeys, if set, gives each shard of a sharded index its own key
	// functions instead of sharing the sharded definition's.
	ShardKeys func(shard int) KeyFuncs `yaml:"-" msgpack:"-"`
	// Suffix is appended to every file name; compaction builds indexes
	// under a temporary suffix.
	Suffix string `yaml:"-" msgpack:"-"`
}

// WithDefaults fills in unset engine parameters.
func (d Definition) WithDefaults() Definition {
	if d.Kind == "" {
		d.Kind = KindHash
	}
	switch d.Kind {
	case KindHash:
		if d.Buckets == 0 {
			d.Buckets = DefaultBuckets
		}
	case KindTree, KindMultiTree:
		if d.NodeCapacity == 0 {
			d.NodeCapacity = DefaultNodeCapacity
		}
	case KindSharded:
		if d.Shards == 0 {
			d.Shards = DefaultShards
		}
		if d.ShardKind == "" {
			d.ShardKind = KindHash
		}
		shard := d
		shard.Kind = d.ShardKind
		shard = shard.WithDefaults()
		d.Buckets, d.NodeCapacity = shard.Buckets, shard.NodeCapacity
	}
	return d
}

// FileName is the name of an index file with extension ext.
func (d Definition) FileName(ext string) string {
	return d.Name + ext + d.Suffix
}

// Validate checks that the definition can be built.
func (d Definition) Validate() error {
	if d.Name == "" || strings.ContainsAny(d.Name, "/\\.") || strings.HasPrefix(d.Name, "_") {
		return errors.Wrapf(dberr.ErrIndex, "invalid index name %q", d.Name)
	}
	f, err := ParseKeyFormat(d.KeyFormat)
	if err != nil {
		return errors.Wrapf(err, "index %s", d.Name)
	}
	if d.Digest && (!f.IsString() || f.Size() < 16) {
		return errors.Wrapf(dberr.ErrIndex, "index %s: digest keys need a string format of at least 16 bytes", d.Name)
	}
	if d.MakeKeyValue == nil && d.Field == "" {
		return errors.Wrapf(dberr.ErrIndex, "index %s has neither a field nor a key function", d.Name)
	}
	if d.Kind == KindSharded && (d.ShardKind == KindSharded || d.Shards <= 0) {
		return errors.Wrapf(dberr.ErrIndex, "index %s: bad shard configuration", d.Name)
	}
	return nil
}

// SameLayout reports whether two definitions describe the same files.
func (d Definition) SameLayout(o Definition) bool {
	a, b := d.WithDefaults(), o.WithDefaults()
	return a.Name == b.Name &&
		a.Kind == b.Kind &&
		a.KeyFormat == b.KeyFormat &&
		a.Buckets == b.Buckets &&
		a.NodeCapacity == b.NodeCapacity &&
		a.Shards == b.Shards &&
		a.ShardKind == b.ShardKind
}

func lookupField(rec map[string]interface{}, path string) (interface{}, bool) {
	var v interface{} = rec
	for _, name := range strings.Split(path, ".") {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok = m[name]
		if !ok {
			return nil, false
		}
	}
	return v, v != nil
}

// Keys resolves the key functions, falling back to Field and Digest.
func (d Definition) Keys() (KeyFuncs, error) {
	format, err := ParseKeyFormat(d.KeyFormat)
	if err != nil {
		return KeyFuncs{}, err
	}
	keys := d.KeyFuncs
	if keys.MakeKeyValue == nil {
		if d.Field == "" {
			return KeyFuncs{}, errors.Wrapf(dberr.ErrIndex, "index %s has no key function", d.Name)
		}
		field := d.Field
		keys.MakeKeyValue = func(rec map[string]interface{}) (interface{}, bool) {
			return lookupField(rec, field)
		}
	}
	if keys.MakeKey == nil {
		digest := d.Digest
		keys.MakeKey = func(key interface{}) ([]byte, error) {
			if digest {
				digested, err := Digest(key)
				if err != nil {
					return nil, err
				}
				key = digested
			}
			return format.Encode(key)
		}
	}
	return keys, nil
}

// Base implements the key handling common to every engine.
type Base struct {
	def    Definition
	format KeyFormat
	keys   KeyFuncs
}

func NewBase(def Definition) (Base, error) {
	format, err := ParseKeyFormat(def.KeyFormat)
	if err != nil {
		return Base{}, errors.Wrapf(err, "index %s", def.Name)
	}
	keys, err := def.Keys()
	if err != nil {
		return Base{}, err
	}
	return Base{def: def, format: format, keys: keys}, nil
}

func (b Base) Name() string {
	return b.def.Name
}

func (b Base) Definition() Definition {
	return b.def
}

func (b Base) KeyFormat() KeyFormat {
	return b.format
}

// MakeKey encodes key and checks that the result has the format's width.
func (b Base) MakeKey(key interface{}) ([]byte, error) {
	k, err := b.keys.MakeKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s", b.def.Name)
	}
	if len(k) != b.format.Size() {
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "index %s: key is %d bytes, want %d",
			b.def.Name, len(k), b.format.Size())
	}
	return k, nil
}

func (b Base) MakeKeyValue(rec map[string]interface{}) (interface{}, bool) {
	return b.keys.MakeKeyValue(rec)
}

// CheckKey fails unless key has the format's width.
func (b Base) CheckKey(key []byte) error {
	if len(key) != b.format.Size() {
		return errors.Wrapf(dberr.ErrKeyFormat, "index %s: key is %d bytes, want %d",
			b.def.Name, len(key), b.format.Size())
	}
	return nil
}
