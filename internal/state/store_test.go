package state

import (
	"context"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	s := New(DefaultConfig())

	s.Set("agents.a1.status", "idle", "test")
	v, ok := s.Get("agents.a1.status")
	if !ok || v != "idle" {
		t.Fatalf("expected idle, got %v (ok=%v)", v, ok)
	}

	if !s.Delete("agents.a1.status", "test") {
		t.Error("delete of existing key should return true")
	}
	if _, ok := s.Get("agents.a1.status"); ok {
		t.Error("key should be gone after delete")
	}
	if s.Delete("agents.a1.status", "test") {
		t.Error("delete of missing key should return false")
	}
}

func TestVersionMonotonic(t *testing.T) {
	s := New(DefaultConfig())

	s.Set("a", 1, "test")
	v1 := s.Version()
	s.Set("b", 2, "test")
	s.Delete("a", "test")
	if s.Version() != v1+2 {
		t.Errorf("expected version %d, got %d", v1+2, s.Version())
	}
}

func TestWatchPerKeyAndWildcard(t *testing.T) {
	s := New(DefaultConfig())

	var perKey, wildcard []string
	s.Watch("cfg.mode", func(c ChangeEvent) { perKey = append(perKey, c.Key) })
	unwatch := s.Watch("*", func(c ChangeEvent) { wildcard = append(wildcard, c.Key) })

	s.Set("cfg.mode", "fast", "test")
	s.Set("cfg.level", 3, "test")

	if len(perKey) != 1 || perKey[0] != "cfg.mode" {
		t.Errorf("per-key watcher got %v", perKey)
	}
	if len(wildcard) != 2 {
		t.Errorf("wildcard watcher got %v", wildcard)
	}

	unwatch()
	s.Set("cfg.mode", "slow", "test")
	if len(wildcard) != 2 {
		t.Error("unwatched handler should not fire")
	}
}

func TestSetMultipleSingleLock(t *testing.T) {
	s := New(DefaultConfig())

	var seen []string
	s.Watch("*", func(c ChangeEvent) { seen = append(seen, c.Key) })

	s.SetMultiple(map[string]any{"x.a": 1, "x.b": 2, "x.c": 3}, "test")

	if len(seen) != 3 {
		t.Fatalf("expected 3 change events, got %d", len(seen))
	}
	if s.Version() != 3 {
		t.Errorf("expected version 3, got %d", s.Version())
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := New(DefaultConfig())

	s.Set("a", "one", "test")
	s.Set("b", "two", "test")
	snap := s.CreateSnapshot()

	s.Set("a", "mutated", "test")
	s.Delete("b", "test")

	if err := s.RestoreSnapshot(snap.ID); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if v, _ := s.Get("a"); v != "one" {
		t.Errorf("expected restored value one, got %v", v)
	}
	if _, ok := s.Get("b"); !ok {
		t.Error("expected b restored")
	}
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	s := New(DefaultConfig())

	s.Set("a", "one", "test")
	snap := s.CreateSnapshot()

	// Corrupt the stored snapshot in place.
	s.snapshots[snap.ID].State["a"] = "tampered"

	s.Set("a", "current", "test")
	if err := s.RestoreSnapshot(snap.ID); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if v, _ := s.Get("a"); v != "current" {
		t.Errorf("state must stay untouched on failed restore, got %v", v)
	}
}

func TestChecksumOrderIndependent(t *testing.T) {
	a := map[string]any{"k1": "v1", "k2": 2, "k3": []any{"x"}}
	b := map[string]any{"k3": []any{"x"}, "k1": "v1", "k2": 2}
	if checksum(a) != checksum(b) {
		t.Error("checksum must not depend on iteration order")
	}
}

func TestHistoryBounded(t *testing.T) {
	s := New(Config{HistorySize: 2})

	s.Set("a", 1, "test")
	s.Set("b", 2, "test")
	s.Set("c", 3, "test")

	h := s.History(0)
	if len(h) != 2 {
		t.Fatalf("expected 2 retained changes, got %d", len(h))
	}
	if h[0].Key != "b" || h[1].Key != "c" {
		t.Errorf("expected oldest change dropped, got %v %v", h[0].Key, h[1].Key)
	}
}

type memorySaver struct {
	saved []Snapshot
}

func (m *memorySaver) Save(ctx context.Context, snap Snapshot) error {
	m.saved = append(m.saved, snap)
	return nil
}

func (m *memorySaver) Load(ctx context.Context) (*Snapshot, error) {
	if len(m.saved) == 0 {
		return nil, nil
	}
	snap := m.saved[len(m.saved)-1]
	return &snap, nil
}

func TestPersistRoundTrip(t *testing.T) {
	mem := &memorySaver{}
	s := New(DefaultConfig(), WithPersistence(mem, mem))

	s.Set("a", "one", "test")
	if err := s.Persist(context.Background()); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	s2 := New(DefaultConfig(), WithPersistence(mem, mem))
	if err := s2.LoadPersisted(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if v, _ := s2.Get("a"); v != "one" {
		t.Errorf("expected round-tripped value, got %v", v)
	}
}
