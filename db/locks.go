package db

import (
	"sync"

	"github.com/google/uuid"
)

type rwLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

type nopLock struct{}

func (nopLock) Lock()    {}
func (nopLock) Unlock()  {}
func (nopLock) RLock()   {}
func (nopLock) RUnlock() {}

// documents hash onto this many write locks
const docStripes = 64

// lockSet is the lock discipline of a database. Operations take the
// database lock first (shared, or exclusive to replace files), then at most
// one document lock, and then storage and index locks one at a time, never
// holding two of those at once.
type lockSet struct {
	newLock  func() sync.Locker
	db       rwLocker
	storages []sync.Locker
	indexes  map[string]sync.Locker
	docs     [docStripes]sync.Locker
}

func newLockSet(c Concurrency) *lockSet {
	ls := &lockSet{indexes: make(map[string]sync.Locker)}
	if c.Mode != ModeThreads {
		ls.newLock = func() sync.Locker { return nopLock{} }
		ls.db = nopLock{}
	} else {
		ls.newLock = c.NewLock
		ls.db = new(sync.RWMutex)
	}
	for i := range ls.docs {
		ls.docs[i] = ls.newLock()
	}
	return ls
}

func (ls *lockSet) addStorage() {
	ls.storages = append(ls.storages, ls.newLock())
}

func (ls *lockSet) addIndex(name string) {
	ls.indexes[name] = ls.newLock()
}

func (ls *lockSet) index(name string) sync.Locker {
	return ls.indexes[name]
}

func (ls *lockSet) storage(id uint16) sync.Locker {
	return ls.storages[id]
}

// lockDoc locks doc for writing and returns the unlock function.
func (ls *lockSet) lockDoc(doc uuid.UUID) func() {
	l := ls.docs[int(doc[15])%docStripes]
	l.Lock()
	return l.Unlock
}
