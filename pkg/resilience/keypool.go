// Package resilience provides resiliency patterns for provider calls.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoKeys is returned by Next when the pool was built without keys.
	ErrNoKeys = errors.New("keypool: no keys configured")
	// ErrKeysExhausted is returned by Next when every key is rate-limited.
	ErrKeysExhausted = errors.New("keypool: all keys exhausted")
)

// KeyPool manages a pool of API keys with round-robin rotation
// and per-key rate-limit awareness.
type KeyPool struct {
	mu      sync.Mutex
	keys    []keyEntry
	current int
	now     func() time.Time
}

type keyEntry struct {
	Key       string
	ResetAt   time.Time // When the rate limit resets
	Exhausted bool      // Temporarily exhausted
}

// NewKeyPool creates a key pool from a list of API keys.
func NewKeyPool(keys []string) *KeyPool {
	entries := make([]keyEntry, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		entries = append(entries, keyEntry{Key: k})
	}
	return &KeyPool{keys: entries, now: time.Now}
}

// Next returns the next available API key using round-robin selection.
// It skips keys that are currently rate-limited.
func (kp *KeyPool) Next() (string, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	n := len(kp.keys)
	if n == 0 {
		return "", ErrNoKeys
	}

	now := kp.now()

	for i := 0; i < n; i++ {
		idx := (kp.current + i) % n
		entry := &kp.keys[idx]

		if entry.Exhausted && now.After(entry.ResetAt) {
			entry.Exhausted = false
		}

		if !entry.Exhausted {
			kp.current = (idx + 1) % n
			return entry.Key, nil
		}
	}

	earliest := kp.keys[0].ResetAt
	for _, e := range kp.keys[1:] {
		if e.ResetAt.Before(earliest) {
			earliest = e.ResetAt
		}
	}

	return "", fmt.Errorf("%w, earliest reset at %s", ErrKeysExhausted, earliest.Format(time.RFC3339))
}

// MarkRateLimited marks a key as rate-limited until resetAt.
func (kp *KeyPool) MarkRateLimited(key string, resetAt time.Time) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	for i := range kp.keys {
		if kp.keys[i].Key == key {
			kp.keys[i].Exhausted = true
			kp.keys[i].ResetAt = resetAt
			return
		}
	}
}

// Size returns the number of keys in the pool.
func (kp *KeyPool) Size() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return len(kp.keys)
}
