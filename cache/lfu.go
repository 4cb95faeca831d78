package cache

import (
	"github.com/google/btree"
)

type lfuItem struct {
	key   string
	value interface{}
	freq  uint64
	// last access, to evict the oldest among equally frequent items
	tick uint64
}

func lfuLess(a, b *lfuItem) bool {
	if a.freq != b.freq {
		return a.freq < b.freq
	}
	return a.tick < b.tick
}

// LFU evicts the least frequently used item.
type LFU struct {
	size  int
	tick  uint64
	items map[string]*lfuItem
	// items ordered by (freq, tick); Min is the eviction victim
	byFreq *btree.BTreeG[*lfuItem]
}

func NewLFU(size int) *LFU {
	return &LFU{
		size:   size,
		items:  make(map[string]*lfuItem, size),
		byFreq: btree.NewG[*lfuItem](8, lfuLess),
	}
}

func (c *LFU) touch(it *lfuItem) {
	c.byFreq.Delete(it)
	c.tick++
	it.freq++
	it.tick = c.tick
	c.byFreq.ReplaceOrInsert(it)
}

func (c *LFU) Get(key string) (interface{}, bool) {
	it, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.touch(it)
	return it.value, true
}

func (c *LFU) Set(key string, value interface{}) {
	if it, ok := c.items[key]; ok {
		it.value = value
		c.touch(it)
		return
	}
	for len(c.items) >= c.size {
		victim, ok := c.byFreq.DeleteMin()
		if !ok {
			break
		}
		delete(c.items, victim.key)
	}
	c.tick++
	it := &lfuItem{key: key, value: value, freq: 1, tick: c.tick}
	c.items[key] = it
	c.byFreq.ReplaceOrInsert(it)
}

func (c *LFU) Delete(key string) {
	if it, ok := c.items[key]; ok {
		c.byFreq.Delete(it)
		delete(c.items, key)
	}
}

func (c *LFU) Purge() {
	c.items = make(map[string]*lfuItem, c.size)
	c.byFreq.Clear(false)
}

func (c *LFU) Len() int {
	return len(c.items)
}
