// Package connlock provides per-connection mutual exclusion. Operations on
// one connection serialize while unrelated connections proceed without
// touching a shared lock.
package connlock

import "sync"

// shardCount controls how many independent shards the locker uses. Each
// shard guards only its slice of the key space.
const shardCount = 32

// Locker hands out one mutex per key. Entries are reference counted and
// removed when the last holder or waiter releases them.
type Locker struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Locker.
func New() *Locker {
	l := &Locker{}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	return l
}

// Lock blocks until key is held by the caller and returns the function that
// releases it. The returned function must be called exactly once.
func (l *Locker) Lock(key string) (unlock func()) {
	s := &l.shards[shardIndex(key)]

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			s.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		})
	}
}

// Len reports the number of keys currently held or awaited.
func (l *Locker) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}
