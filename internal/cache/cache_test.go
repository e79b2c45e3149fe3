package cache

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestTTLExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New(DefaultConfig(), WithClock(clk.Now))

	c.Set("k", "v", WithTTL(100*time.Millisecond))

	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("expected immediate hit, got %v (ok=%v)", v, ok)
	}

	clk.Advance(150 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
	stats := c.Stats()
	if stats.Entries != 0 {
		t.Errorf("expired entry must leave accounting, have %d entries", stats.Entries)
	}
	if stats.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", stats.Expirations)
	}
}

func TestLRUEvictionNeverEvictsRecentlyRead(t *testing.T) {
	clk := newFakeClock()
	// Room for roughly two string entries of the sizes used below.
	c := New(Config{MaxSize: 20, Strategy: LRU, DefaultTTL: time.Hour}, WithClock(clk.Now))

	c.Set("a", "12345678") // 10 bytes as JSON
	clk.Advance(time.Second)
	c.Set("b", "12345678")
	clk.Advance(time.Second)

	// Touch a so b becomes least recently accessed.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be present")
	}
	clk.Advance(time.Second)

	c.Set("c", "12345678") // forces one eviction

	if !c.Has("a") {
		t.Error("a was read most recently and must survive")
	}
	if c.Has("b") {
		t.Error("b was least recently accessed and must be evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Stats().Evictions)
	}
}

func TestLFUEviction(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{MaxSize: 20, Strategy: LFU, DefaultTTL: time.Hour}, WithClock(clk.Now))

	c.Set("hot", "12345678")
	c.Set("cold", "12345678")
	c.Get("hot")
	c.Get("hot")
	c.Get("cold")

	c.Set("new", "12345678")

	if !c.Has("hot") {
		t.Error("hot has the higher access count and must survive")
	}
	if c.Has("cold") {
		t.Error("cold has the lowest access count and must be evicted")
	}
}

func TestFIFOEviction(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{MaxSize: 20, Strategy: FIFO, DefaultTTL: time.Hour}, WithClock(clk.Now))

	c.Set("first", "12345678")
	clk.Advance(time.Second)
	c.Set("second", "12345678")
	clk.Advance(time.Second)

	// Access order must not matter for FIFO.
	c.Get("first")
	c.Get("first")

	c.Set("third", "12345678")

	if c.Has("first") {
		t.Error("first was inserted earliest and must be evicted under FIFO")
	}
	if !c.Has("second") {
		t.Error("second must survive")
	}
}

func TestNamespaces(t *testing.T) {
	c := New(DefaultConfig())

	c.Set("k", 1, WithNamespace("alpha"))
	c.Set("k", 2, WithNamespace("beta"))

	if v, _ := c.Get("k", "alpha"); v != 1 {
		t.Errorf("expected 1 in alpha, got %v", v)
	}
	if v, _ := c.Get("k", "beta"); v != 2 {
		t.Errorf("expected 2 in beta, got %v", v)
	}

	c.Clear("alpha")
	if c.Has("k", "alpha") {
		t.Error("alpha should be cleared")
	}
	if !c.Has("k", "beta") {
		t.Error("beta must survive a clear of alpha")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	clk := newFakeClock()
	c := New(DefaultConfig(), WithClock(clk.Now))

	c.Set("short", 1, WithTTL(time.Second))
	c.Set("long", 2, WithTTL(time.Hour))

	clk.Advance(2 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("expected 1 swept entry, got %d", removed)
	}
	if c.Stats().Entries != 1 {
		t.Errorf("expected 1 remaining entry, got %d", c.Stats().Entries)
	}
}

func TestMemoize(t *testing.T) {
	c := New(DefaultConfig())

	calls := 0
	fn := c.Memoize(func(args ...any) (any, error) {
		calls++
		return args[0].(int) * 2, nil
	}, MemoizeConfig{})

	for i := 0; i < 3; i++ {
		v, err := fn(21)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 42 {
			t.Fatalf("expected 42, got %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected a single computation, got %d", calls)
	}

	if _, err := fn(7); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("different args must recompute, calls=%d", calls)
	}
}

func TestDeterministicGivenSameHistory(t *testing.T) {
	run := func() []string {
		clk := newFakeClock()
		c := New(Config{MaxSize: 30, Strategy: LRU, DefaultTTL: time.Hour}, WithClock(clk.Now))
		for _, k := range []string{"a", "b", "c"} {
			c.Set(k, "12345678")
			clk.Advance(time.Second)
		}
		c.Get("a")
		clk.Advance(time.Second)
		c.Set("d", "12345678")

		var alive []string
		for _, k := range []string{"a", "b", "c", "d"} {
			if c.Has(k) {
				alive = append(alive, k)
			}
		}
		return alive
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("non-deterministic survivor count: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic survivors: %v vs %v", first, second)
		}
	}
}

func TestOversizedEntryRejected(t *testing.T) {
	c := New(Config{MaxSize: 20, Strategy: LRU, DefaultTTL: time.Hour})
	c.Set("small", "12345678")
	c.Set("huge", strings.Repeat("x", 64))

	if c.Has("huge") {
		t.Error("entry larger than the cache must not be stored")
	}
	if !c.Has("small") {
		t.Error("co-resident entries must survive an oversized insert")
	}
	stats := c.Stats()
	if stats.Rejections != 1 {
		t.Errorf("expected 1 rejection, got %d", stats.Rejections)
	}
	if stats.Evictions != 0 {
		t.Errorf("oversized insert must not evict, got %d evictions", stats.Evictions)
	}
	if stats.Size > 20 {
		t.Errorf("size exceeds the configured max: %d", stats.Size)
	}
}
