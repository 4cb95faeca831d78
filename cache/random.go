package cache

import (
	"math/rand"
)

// Random evicts a uniformly random item when full.
type Random struct {
	size int
	rnd  *rand.Rand
	keys []string
	// position of each key in keys, and its value
	pos    map[string]int
	values map[string]interface{}
}

// NewRandom creates a random-replacement cache; seed fixes the eviction order.
func NewRandom(size int, seed int64) *Random {
	return &Random{
		size:   size,
		rnd:    rand.New(rand.NewSource(seed)),
		keys:   make([]string, 0, size),
		pos:    make(map[string]int, size),
		values: make(map[string]interface{}, size),
	}
}

func (c *Random) Get(key string) (interface{}, bool) {
	v, ok := c.values[key]
	return v, ok
}

func (c *Random) Set(key string, value interface{}) {
	if _, ok := c.values[key]; ok {
		c.values[key] = value
		return
	}
	for len(c.keys) >= c.size {
		c.Delete(c.keys[c.rnd.Intn(len(c.keys))])
	}
	c.pos[key] = len(c.keys)
	c.keys = append(c.keys, key)
	c.values[key] = value
}

func (c *Random) Delete(key string) {
	i, ok := c.pos[key]
	if !ok {
		return
	}
	last := len(c.keys) - 1
	c.keys[i] = c.keys[last]
	c.pos[c.keys[i]] = i
	c.keys = c.keys[:last]
	delete(c.pos, key)
	delete(c.values, key)
}

func (c *Random) Purge() {
	c.keys = c.keys[:0]
	c.pos = make(map[string]int, c.size)
	c.values = make(map[string]interface{}, c.size)
}

func (c *Random) Len() int {
	return len(c.keys)
}
