package session

import "sync"

// keyedMutex provides a mutex per string key, created on demand and reclaimed
// once the last holder releases it. Locking one key never blocks holders of
// other keys; the registry lock is held only for the map bookkeeping, never
// across a key's critical section.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedMutexEntry)}
}

// lock acquires the mutex for key, blocking while another goroutine holds it.
func (k *keyedMutex) lock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedMutexEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

// unlock releases the mutex for key and drops the entry once no goroutine is
// holding or waiting on it.
func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// size reports how many keys currently have live entries.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
