// Package cache provides bounded caches with pluggable eviction.
//
// Caches are not safe for concurrent use unless wrapped with Locked.
package cache

import (
	"sync"

	"github.com/pkg/errors"
)

// Cache is a bounded key-value cache.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{})
	Delete(key string)
	Purge()
	Len() int
}

// Kind names an eviction policy.
type Kind string

const (
	KindNone   Kind = ""
	KindLFU    Kind = "lfu"
	KindRandom Kind = "random"
)

// New creates a cache with the given eviction policy and capacity.
//
// KindNone returns a nil Cache.
func New(kind Kind, size int) (Cache, error) {
	if kind != KindNone && size <= 0 {
		return nil, errors.Errorf("cache: size must be positive, got %d", size)
	}
	switch kind {
	case KindNone:
		return nil, nil
	case KindLFU:
		return NewLFU(size), nil
	case KindRandom:
		return NewRandom(size, 0), nil
	}
	return nil, errors.Errorf("cache: unknown kind %q", kind)
}

type locked struct {
	l sync.Locker
	c Cache
}

// Locked serializes every operation on c with l.
func Locked(c Cache, l sync.Locker) Cache {
	return &locked{l: l, c: c}
}

func (c *locked) Get(key string) (interface{}, bool) {
	c.l.Lock()
	defer c.l.Unlock()
	return c.c.Get(key)
}

func (c *locked) Set(key string, value interface{}) {
	c.l.Lock()
	defer c.l.Unlock()
	c.c.Set(key, value)
}

func (c *locked) Delete(key string) {
	c.l.Lock()
	defer c.l.Unlock()
	c.c.Delete(key)
}

func (c *locked) Purge() {
	c.l.Lock()
	defer c.l.Unlock()
	c.c.Purge()
}

func (c *locked) Len() int {
	c.l.Lock()
	defer c.l.Unlock()
	return c.c.Len()
}
