package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoSize is the number of invocation results kept in process.
const DefaultMemoSize = 100

// Memo is a fixed-capacity, least-recently-used store of invocation texts.
// Entries never expire by time. It is safe for concurrent use.
type Memo struct {
	lru *lru.Cache[Key, string]
}

// NewMemo creates a memo holding at most size entries.
func NewMemo(size int) (*Memo, error) {
	if size <= 0 {
		size = DefaultMemoSize
	}
	c, err := lru.New[Key, string](size)
	if err != nil {
		return nil, fmt.Errorf("memo: new lru: %w", err)
	}
	return &Memo{lru: c}, nil
}

// Get returns the cached text for k and marks it recently used.
func (m *Memo) Get(k Key) (string, bool) {
	return m.lru.Get(k)
}

// Add stores text under k, evicting the least recently used entry when full.
func (m *Memo) Add(k Key, text string) {
	m.lru.Add(k, text)
}

// Len returns the number of cached entries.
func (m *Memo) Len() int {
	return m.lru.Len()
}

// Purge drops every entry.
func (m *Memo) Purge() {
	m.lru.Purge()
}
