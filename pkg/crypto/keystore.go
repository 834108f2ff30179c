package crypto

import "sync"

// KeyStore holds derived cipher material per channel name.
// It is safe for concurrent use.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]ChannelKeys
}

// NewKeyStore creates an empty KeyStore
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys: make(map[string]ChannelKeys),
	}
}

// Init derives and stores the material for channel if absent, and returns it
func (ks *KeyStore) Init(channel string) ChannelKeys {
	ks.mu.RLock()
	keys, ok := ks.keys[channel]
	ks.mu.RUnlock()
	if ok {
		return keys
	}

	// Derive outside the lock; concurrent initialisers compute the same value
	keys = DeriveChannelKeys(channel)

	ks.mu.Lock()
	if existing, ok := ks.keys[channel]; ok {
		keys = existing
	} else {
		ks.keys[channel] = keys
	}
	ks.mu.Unlock()

	return keys
}

// Get returns the material for channel. ok is false until Init has run.
func (ks *KeyStore) Get(channel string) (ChannelKeys, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	keys, ok := ks.keys[channel]
	return keys, ok
}

// Len returns the number of initialised channels
func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}
