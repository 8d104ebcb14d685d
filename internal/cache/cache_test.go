package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLRUCache_GetSetExpire(t *testing.T) {
	c := NewLRUCache[string](10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", "1")
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v; want 1, true", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("expired entry should not be returned")
	}
	if c.Size() != 0 {
		t.Errorf("expired entry should be removed on Get, size = %d", c.Size())
	}
}

func TestLRUCache_Evicts(t *testing.T) {
	c := NewLRUCache[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry should be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry should survive")
	}
}

func TestLRUCache_Take(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)
	c.Set("tok", 42)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Take("tok"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Take should succeed exactly once, got %d", wins.Load())
	}
	if c.Size() != 0 {
		t.Errorf("taken entry should be gone, size = %d", c.Size())
	}
}

func TestLRUCache_TakeExpired(t *testing.T) {
	c := NewLRUCache[int](10, time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("tok", 1)
	now = now.Add(time.Hour)

	if _, ok := c.Take("tok"); ok {
		t.Error("expired entry should not be taken")
	}
	if c.Size() != 0 {
		t.Error("expired entry should be dropped by Take")
	}
}

func TestLRUCache_DeletePrefix(t *testing.T) {
	c := NewLRUCache[int](10, time.Minute)
	c.Set("forecast:2024-01-01", 1)
	c.Set("forecast:2024-01-02", 2)
	c.Set("balance", 3)

	if n := c.DeletePrefix("forecast:"); n != 2 {
		t.Errorf("DeletePrefix removed %d, want 2", n)
	}
	if _, ok := c.Get("balance"); !ok {
		t.Error("unrelated key should survive")
	}
}

func TestManager_Sweep(t *testing.T) {
	c := NewLRUCache[int](10, time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(time.Minute)

	m := NewManager()
	m.Register(c)
	if n := m.Sweep(); n != 2 {
		t.Errorf("Sweep removed %d, want 2", n)
	}

	m.StartCleanup(10 * time.Millisecond)
	m.Stop()
	m.Stop()
}
