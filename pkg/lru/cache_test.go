package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBasicGetPut(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("expected a=1, got %v %v", v, ok)
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b=2, got %v %v", v, ok)
	}
}

func TestEviction(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // b is now least recently used

	evKey, evVal, evicted := c.Put("c", 3)
	if !evicted || evKey != "b" || evVal != 2 {
		t.Fatalf("expected eviction of b=2, got key=%v val=%v evicted=%v", evKey, evVal, evicted)
	}
	if _, ok := c.Get("b"); ok {
		t.Fatal("expected 'b' to be evicted")
	}
	if got := c.Keys(); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestPeekDoesNotPromote(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Peek("a")

	evKey, _, _ := c.Put("c", 3)
	if evKey != "a" {
		t.Fatalf("expected a evicted, got %v", evKey)
	}
}

func TestPutIfAbsent(t *testing.T) {
	c := New[string, string](4)

	v, stored := c.PutIfAbsent("k", "first")
	if !stored || v != "first" {
		t.Fatalf("expected first store, got %v %v", v, stored)
	}
	v, stored = c.PutIfAbsent("k", "second")
	if stored || v != "first" {
		t.Fatalf("expected existing value kept, got %v %v", v, stored)
	}
}

func TestTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New[string, int](4, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	c.Put("a", 1)
	now = now.Add(59 * time.Second)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be live")
	}
	now = now.Add(time.Second)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry dropped, len=%d", c.Len())
	}
	if _, stored := c.PutIfAbsent("a", 2); !stored {
		t.Fatal("expected expired key to be replaceable")
	}
}

func TestDeleteAndClear(t *testing.T) {
	c := New[int, int](3)
	c.Put(1, 1)
	c.Put(2, 2)

	if !c.Delete(1) || c.Delete(1) {
		t.Fatal("delete should report presence once")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, len=%d", c.Len())
	}
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New[string, int](0)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*500+i)%100)
				c.Put(key, i)
				c.Get(key)
				c.PutIfAbsent(key, i)
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
}
