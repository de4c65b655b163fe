package lifecycle

import "sync"

// KeyMutex provides a mutex per key with reference counting, so the map
// does not grow unboundedly as automations come and go. Lock blocks until
// the key's mutex is available; Unlock releases it and drops the entry
// when no other goroutine is waiting.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*keyEntry)}
}

// Lock acquires the mutex for the given key, blocking if another
// goroutine holds it.
func (k *KeyMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// TryLock acquires the mutex for the given key only if it is free,
// reporting whether it did.
func (k *KeyMutex) TryLock(key string) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if e.mu.TryLock() {
		return true
	}

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	return false
}

// Unlock releases the mutex for the given key. Calling Unlock for a key
// that is not locked is a programming error and panics, matching
// sync.Mutex behaviour.
func (k *KeyMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("lifecycle: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
