// Package index holds the in-memory mapping from key to the location of its
// most recent live record in the active WAL. See spec section 3.
package index

import (
	"github.com/zhangyunhao116/skipmap"
)

// ValuePointer describes where a key's most recent Put lives in the active
// WAL: enough to re-read and decode the record without touching the index
// again, and enough for the compactor's stale-bytes accounting.
type ValuePointer struct {
	Offset     int64
	Length     int64
	ExpiresAt  uint64 // unix seconds, 0 = never
	ValueLen   uint32 // on-disk length, i.e. compressed length when Compressed
	Compressed bool
}

// Expired reports whether the pointer's record is expired as of now (unix
// seconds). A zero ExpiresAt never expires.
func (p ValuePointer) Expired(now uint64) bool {
	return p.ExpiresAt != 0 && p.ExpiresAt <= now
}

// Index is a concurrent key -> ValuePointer map backed by a skip list, so
// Range observes a consistent lock-free snapshot during scans such as
// compaction's live-pointer snapshot (spec section 4.5, step 1).
type Index struct {
	m *skipmap.OrderedMap[string, ValuePointer]
}

// New returns an empty index.
func New() *Index {
	return &Index{m: skipmap.New[string, ValuePointer]()}
}

// Get returns the pointer for key and whether it is present.
func (idx *Index) Get(key string) (ValuePointer, bool) {
	return idx.m.Load(key)
}

// Set records or replaces the pointer for key.
func (idx *Index) Set(key string, ptr ValuePointer) {
	idx.m.Store(key, ptr)
}

// Delete removes key from the index. It reports whether the key was present.
func (idx *Index) Delete(key string) bool {
	return idx.m.Delete(key)
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	return idx.m.Len()
}

// Range calls fn for every (key, pointer) pair in key order, stopping early
// if fn returns false. Used by compaction to snapshot live pointers and to
// find what changed during its rewrite.
func (idx *Index) Range(fn func(key string, ptr ValuePointer) bool) {
	idx.m.Range(fn)
}

// LiveBytes sums the on-disk record size of every unexpired entry, the
// numerator the compactor needs to exclude from "stale".
func (idx *Index) LiveBytes(now uint64) int64 {
	var total int64
	idx.m.Range(func(_ string, ptr ValuePointer) bool {
		if !ptr.Expired(now) {
			total += ptr.Length
		}
		return true
	})
	return total
}

// DropExpired removes every entry expired as of now and returns how many
// were removed. Used ahead of a compaction pass.
func (idx *Index) DropExpired(now uint64) int {
	var dropped []string
	idx.m.Range(func(key string, ptr ValuePointer) bool {
		if ptr.Expired(now) {
			dropped = append(dropped, key)
		}
		return true
	})
	for _, key := range dropped {
		idx.m.Delete(key)
	}
	return len(dropped)
}
