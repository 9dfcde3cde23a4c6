// Package cache implements the engine's two-layer cache: a bounded
// read-through LRU and an optional write-back buffer. See spec section 4.4.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is a decoded value as handed back by the engine's read path, along
// with the expiry recorded in its WAL record so a stale cache hit can still
// be checked against the clock without a WAL read.
type Entry struct {
	Value     []byte
	ExpiresAt uint64
}

// LRU is a bounded read-through cache from key to decoded value. A nil *LRU,
// or one built with a non-positive capacity, answers every lookup as a miss.
type LRU struct {
	inner *lru.Cache[string, Entry]
}

// NewLRU returns a cache bounded to capacity entries. A non-positive
// capacity disables caching: Get always misses and Put/Delete are no-ops.
func NewLRU(capacity int) (*LRU, error) {
	if capacity <= 0 {
		return &LRU{}, nil
	}
	inner, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &LRU{inner: inner}, nil
}

// Get returns the cached entry for key, touching its recency.
func (c *LRU) Get(key string) (Entry, bool) {
	if c == nil || c.inner == nil {
		return Entry{}, false
	}
	return c.inner.Get(key)
}

// Put inserts or replaces the cached entry for key.
func (c *LRU) Put(key string, e Entry) {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Add(key, e)
}

// Delete evicts key, used on delete and expired-on-read; an overwrite
// replaces the entry through Put instead.
func (c *LRU) Delete(key string) {
	if c == nil || c.inner == nil {
		return
	}
	c.inner.Remove(key)
}

// Len reports the number of cached entries, for the /stats admin endpoint.
func (c *LRU) Len() int {
	if c == nil || c.inner == nil {
		return 0
	}
	return c.inner.Len()
}
