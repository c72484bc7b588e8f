package notify

import "sync"

// KeyedMutex provides one mutex per key so work for distinct users
// never contends. Entries are created on demand and retained; the
// population is bounded by the active user set.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}

// Lock blocks until the key's mutex is held.
func (k *KeyedMutex) Lock(key string) { k.get(key).Lock() }

// TryLock acquires the key's mutex without blocking. Callers that fail
// to acquire should skip the key rather than wait.
func (k *KeyedMutex) TryLock(key string) bool { return k.get(key).TryLock() }

// Unlock releases the key's mutex.
func (k *KeyedMutex) Unlock(key string) { k.get(key).Unlock() }
