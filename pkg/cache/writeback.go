package cache

import (
	"sync"

	"github.com/zhangyunhao116/skipset"
)

// PendingEntry is one write-back-buffered mutation: either a Put (Value set,
// Tombstone false) or a Delete (Tombstone true).
type PendingEntry struct {
	Value     []byte
	ExpiresAt uint64
	Tombstone bool
}

// WriteBackBuffer holds puts and deletes that have not yet reached the WAL.
// dirty tracks buffered key membership in a concurrent sorted set so Flush
// can produce a deterministic, duplicate-free iteration order without a
// second lock over the values map; the values themselves live in a plain
// map guarded by mu, since skipset only stores keys (spec section 4.4).
type WriteBackBuffer struct {
	mu     sync.Mutex
	values map[string]PendingEntry
	dirty  *skipset.OrderedSet[string]
}

// NewWriteBackBuffer returns an empty write-back buffer.
func NewWriteBackBuffer() *WriteBackBuffer {
	return &WriteBackBuffer{
		values: make(map[string]PendingEntry),
		dirty:  skipset.New[string](),
	}
}

// Put buffers a pending value, overwriting any prior pending entry for key.
func (b *WriteBackBuffer) Put(key string, value []byte, expiresAt uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = PendingEntry{Value: value, ExpiresAt: expiresAt}
	b.dirty.Add(key)
}

// Delete buffers a pending tombstone, overwriting any prior pending entry.
func (b *WriteBackBuffer) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = PendingEntry{Tombstone: true}
	b.dirty.Add(key)
}

// Get returns the buffered entry for key, if any. A pending tombstone must
// be checked by the caller before falling through to the index/WAL.
func (b *WriteBackBuffer) Get(key string) (PendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.values[key]
	return e, ok
}

// Len reports the number of distinct buffered keys.
func (b *WriteBackBuffer) Len() int {
	return b.dirty.Len()
}

// Drain atomically removes and returns every buffered entry in key order,
// for Flush to append as a single WAL batch. The buffer is empty afterward.
func (b *WriteBackBuffer) Drain() []struct {
	Key   string
	Entry PendingEntry
} {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]struct {
		Key   string
		Entry PendingEntry
	}, 0, len(b.values))

	b.dirty.Range(func(key string) bool {
		out = append(out, struct {
			Key   string
			Entry PendingEntry
		}{Key: key, Entry: b.values[key]})
		return true
	})

	b.values = make(map[string]PendingEntry)
	b.dirty = skipset.New[string]()
	return out
}
