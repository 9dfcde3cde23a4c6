package cache

import "testing"

func TestLRUPutGetDelete(t *testing.T) {
	c, err := NewLRU(2)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("a", Entry{Value: []byte("1")})
	got, ok := c.Get("a")
	if !ok || string(got.Value) != "1" {
		t.Fatalf("Get after Put = %+v, %v", got, ok)
	}

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRU(2)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}

	c.Put("a", Entry{Value: []byte("1")})
	c.Put("b", Entry{Value: []byte("2")})
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", Entry{Value: []byte("3")})

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to survive (recently touched)")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to survive (just inserted)")
	}
}

func TestLRUDisabledWithZeroCapacity(t *testing.T) {
	c, err := NewLRU(0)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	c.Put("a", Entry{Value: []byte("1")})
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a disabled cache to never hit")
	}
}

func TestWriteBackBufferPutDeleteGet(t *testing.T) {
	b := NewWriteBackBuffer()

	if _, ok := b.Get("k"); ok {
		t.Fatal("expected miss on empty buffer")
	}

	b.Put("k", []byte("v1"), 0)
	e, ok := b.Get("k")
	if !ok || string(e.Value) != "v1" || e.Tombstone {
		t.Fatalf("Get after Put = %+v, %v", e, ok)
	}

	b.Delete("k")
	e, ok = b.Get("k")
	if !ok || !e.Tombstone {
		t.Fatalf("Get after Delete = %+v, %v", e, ok)
	}
	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (overwrite, not append)", b.Len())
	}
}

func TestWriteBackBufferDrainClears(t *testing.T) {
	b := NewWriteBackBuffer()
	b.Put("a", []byte("1"), 0)
	b.Put("b", []byte("2"), 0)
	b.Delete("c")

	drained := b.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain returned %d entries, want 3", len(drained))
	}
	if b.Len() != 0 {
		t.Fatal("expected buffer empty after Drain")
	}
	if _, ok := b.Get("a"); ok {
		t.Fatal("expected Get to miss after Drain")
	}
}

func TestWriteBackBufferDrainIsKeyOrdered(t *testing.T) {
	b := NewWriteBackBuffer()
	b.Put("c", []byte("3"), 0)
	b.Put("a", []byte("1"), 0)
	b.Put("b", []byte("2"), 0)

	drained := b.Drain()
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if drained[i].Key != w {
			t.Fatalf("drained[%d].Key = %q, want %q", i, drained[i].Key, w)
		}
	}
}
