// Package sharded partitions one logical index across several independent
// indexes of the same kind.
//
// A key always goes to shard farm.Fingerprint32(key) % shards, so the shard
// count is fixed once the index is created. Fan-out scans visit the shards in
// order and are therefore not globally ordered, even over ordered shards.
package sharded

import (
	"fmt"

	"github.com/dgryski/go-farm"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
	"github.com/tchajed/docdb/fs"
	"github.com/tchajed/docdb/index"
)

type Index struct {
	index.Base
	shards []index.Index
}

var (
	_ index.Index  = &Index{}
	_ index.Ranger = &Index{}
)

// New builds the shards of def with factory, which must not itself build
// sharded indexes. Shard i is named def.Name followed by i.
func New(filesys fs.Filesys, def index.Definition, factory index.Factory) (*Index, error) {
	def = def.WithDefaults()
	if def.Shards <= 0 || def.ShardKind == index.KindSharded {
		return nil, errors.Wrapf(dberr.ErrIndex, "index %s: bad shard configuration", def.Name)
	}
	base, err := index.NewBase(def)
	if err != nil {
		return nil, err
	}
	idx := &Index{Base: base, shards: make([]index.Index, def.Shards)}
	for i := range idx.shards {
		sd := def
		sd.Name = fmt.Sprintf("%s%d", def.Name, i)
		sd.Kind = def.ShardKind
		sd.Shards, sd.ShardKind, sd.ShardKeys = 0, "", nil
		if def.ShardKeys != nil {
			sd.KeyFuncs = def.ShardKeys(i)
		}
		shard, err := factory(filesys, sd)
		if err != nil {
			return nil, errors.Wrapf(err, "index %s: shard %d", def.Name, i)
		}
		idx.shards[i] = shard
	}
	return idx, nil
}

// Shards returns the shard indexes, in partition order.
func (idx *Index) Shards() []index.Index {
	return idx.shards
}

// Partition returns the shard that owns key.
func (idx *Index) Partition(key []byte) int {
	return int(farm.Fingerprint32(key) % uint32(len(idx.shards)))
}

func (idx *Index) shard(key []byte) (index.Index, error) {
	if err := idx.CheckKey(key); err != nil {
		return nil, err
	}
	return idx.shards[idx.Partition(key)], nil
}

func (idx *Index) Files() []string {
	var files []string
	for _, s := range idx.shards {
		files = append(files, s.Files()...)
	}
	return files
}

// broadcast runs op on every shard, stopping at the first failure.
func (idx *Index) broadcast(name string, op func(index.Index) error) error {
	for i, s := range idx.shards {
		if err := op(s); err != nil {
			return errors.Wrapf(err, "index %s: %s shard %d", idx.Name(), name, i)
		}
	}
	return nil
}

// broadcastAll runs op on every shard even after failures, reporting the
// first one.
func (idx *Index) broadcastAll(name string, op func(index.Index) error) error {
	var first error
	for i, s := range idx.shards {
		if err := op(s); err != nil && first == nil {
			first = errors.Wrapf(err, "index %s: %s shard %d", idx.Name(), name, i)
		}
	}
	return first
}

func (idx *Index) Create() error {
	return idx.broadcast("create", index.Index.Create)
}

// Open opens every shard; if any fails, the ones already open are closed.
func (idx *Index) Open() error {
	if err := idx.broadcast("open", index.Index.Open); err != nil {
		idx.Close()
		return err
	}
	return nil
}

func (idx *Index) Close() error {
	return idx.broadcastAll("close", index.Index.Close)
}

func (idx *Index) Destroy() error {
	return idx.broadcastAll("destroy", index.Index.Destroy)
}

func (idx *Index) Flush() error {
	return idx.broadcast("flush", index.Index.Flush)
}

func (idx *Index) Fsync() error {
	return idx.broadcast("fsync", index.Index.Fsync)
}

func (idx *Index) Compact() error {
	return idx.broadcast("compact", index.Index.Compact)
}

func (idx *Index) Insert(doc uuid.UUID, key []byte, loc index.Location) error {
	s, err := idx.shard(key)
	if err != nil {
		return err
	}
	return s.Insert(doc, key, loc)
}

func (idx *Index) Update(doc uuid.UUID, key []byte, loc index.Location) error {
	s, err := idx.shard(key)
	if err != nil {
		return err
	}
	return s.Update(doc, key, loc)
}

func (idx *Index) Delete(doc uuid.UUID, key []byte) error {
	s, err := idx.shard(key)
	if err != nil {
		return err
	}
	return s.Delete(doc, key)
}

func (idx *Index) Get(key []byte) (index.Entry, error) {
	s, err := idx.shard(key)
	if err != nil {
		return index.Entry{}, err
	}
	return s.Get(key)
}

func (idx *Index) GetMany(key []byte) index.Scan {
	s, err := idx.shard(key)
	if err != nil {
		return index.Failed(err)
	}
	return s.GetMany(key)
}

// All concatenates the shards' scans.
func (idx *Index) All() index.Scan {
	scans := make([]index.Scan, len(idx.shards))
	for i, s := range idx.shards {
		scans[i] = s.All()
	}
	return index.Concat(scans...)
}

// Range concatenates the shards' range scans; each shard's part is in key
// order. Offset and Limit apply to the concatenation.
func (idx *Index) Range(start, end []byte, opts index.RangeOptions) index.Scan {
	perShard := opts
	perShard.Offset, perShard.Limit = 0, 0
	scans := make([]index.Scan, len(idx.shards))
	for i, s := range idx.shards {
		r, ok := index.AsRanger(s)
		if !ok {
			return index.Failed(index.Unsupported(idx, "range over unordered shards"))
		}
		scans[i] = r.Range(start, end, perShard)
	}
	return index.Window(index.Concat(scans...), opts.Offset, opts.Limit)
}
