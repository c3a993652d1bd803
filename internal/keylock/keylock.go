// Package keylock provides context-aware mutual exclusion scoped to a string key.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes callers per key. Callers holding different keys never wait on each other.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	token chan struct{}
	refs  int
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free or the context is done. The returned func releases the key
// and is safe to call more than once.
func (locker *Locker) Lock(ctx context.Context, key string) (func(), error) {
	locker.mu.Lock()
	keyEntry, ok := locker.entries[key]
	if !ok {
		keyEntry = &entry{token: make(chan struct{}, 1)}
		locker.entries[key] = keyEntry
	}
	keyEntry.refs++
	locker.mu.Unlock()

	select {
	case keyEntry.token <- struct{}{}:
	case <-ctx.Done():
		locker.forget(key, keyEntry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-keyEntry.token
			locker.forget(key, keyEntry)
		})
	}, nil
}

// LockAll acquires every key in sorted order so concurrent multi-key callers cannot deadlock.
func (locker *Locker) LockAll(ctx context.Context, keys []string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	unlocks := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for index := len(unlocks) - 1; index >= 0; index-- {
			unlocks[index]()
		}
	}
	var previous string
	for index, key := range sorted {
		if index > 0 && key == previous {
			continue
		}
		previous = key
		unlock, err := locker.Lock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return releaseAll, nil
}

// Len reports how many keys currently have holders or waiters.
func (locker *Locker) Len() int {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	return len(locker.entries)
}

func (locker *Locker) forget(key string, keyEntry *entry) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	keyEntry.refs--
	if keyEntry.refs == 0 {
		delete(locker.entries, key)
	}
}
