package db

import (
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
	"github.com/tchajed/docdb/index/hash"
	"github.com/tchajed/docdb/index/sharded"
	"github.com/tchajed/docdb/index/tree"
)

// Registry maps index kinds to the engines that implement them.
type Registry map[index.Kind]index.Factory

// DefaultRegistry knows the hash, tree, multitree and sharded kinds.
func DefaultRegistry() Registry {
	r := Registry{
		index.KindHash:      hash.Factory,
		index.KindTree:      tree.Factory,
		index.KindMultiTree: tree.MultiFactory,
	}
	r[index.KindSharded] = func(filesys fs.Filesys, def index.Definition) (index.Index, error) {
		return sharded.New(filesys, def, r.shardFactory)
	}
	return r
}

func (r Registry) shardFactory(filesys fs.Filesys, def index.Definition) (index.Index, error) {
	if def.Kind == index.KindSharded {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: shards cannot be sharded", def.Name)
	}
	return r.Build(filesys, def)
}

// Build constructs the engine for def.
func (r Registry) Build(filesys fs.Filesys, def index.Definition) (index.Index, error) {
	def = def.WithDefaults()
	factory, ok := r[def.Kind]
	if !ok {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: unknown kind %q", def.Name, def.Kind)
	}
	return factory(filesys, def)
}
