package persist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voltagent/voltagent/internal/state"
)

var (
	_ state.Saver  = (*SQLiteStore)(nil)
	_ state.Loader = (*SQLiteStore)(nil)
	_ state.Saver  = (*RedisStore)(nil)
	_ state.Loader = (*RedisStore)(nil)
	_ state.Saver  = (*FileStore)(nil)
	_ state.Loader = (*FileStore)(nil)
)

func sampleSnapshot(id string, version uint64, at time.Time) state.Snapshot {
	return state.Snapshot{
		ID:        id,
		Timestamp: at,
		State:     map[string]any{"mode": "active", "count": float64(3)},
		Version:   version,
		Checksum:  42,
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil snapshot from empty store, got %+v", loaded)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, sampleSnapshot("snap-1", 5, base)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot("snap-2", 9, base.Add(time.Minute))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.ID != "snap-2" {
		t.Fatalf("expected newest snapshot snap-2, got %+v", loaded)
	}
	if loaded.Version != 9 || loaded.Checksum != 42 {
		t.Errorf("version/checksum not preserved: %+v", loaded)
	}
	if loaded.State["mode"] != "active" {
		t.Errorf("state not preserved: %+v", loaded.State)
	}
}

func TestSQLiteSaveIsIdempotent(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := sampleSnapshot("snap-1", 5, base)
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap.Version = 6
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("second Save of same id: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Version != 6 {
		t.Errorf("expected overwrite to win, got version %d", loaded.Version)
	}
}

func TestSQLitePrune(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snap := sampleSnapshot("snap-"+string(rune('a'+i)), uint64(i), base.Add(time.Duration(i)*time.Minute))
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := store.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load after prune: %v", err)
	}
	if loaded == nil || loaded.ID != "snap-e" {
		t.Fatalf("expected newest snapshot to survive prune, got %+v", loaded)
	}
}

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "test")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisRoundTrip(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil snapshot from empty store, got %+v", loaded)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, sampleSnapshot("snap-1", 5, base)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot("snap-2", 9, base.Add(time.Minute))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.ID != "snap-2" {
		t.Fatalf("expected latest pointer to name snap-2, got %+v", loaded)
	}
	if loaded.State["mode"] != "active" {
		t.Errorf("state not preserved: %+v", loaded.State)
	}
}

func TestRedisRejectsEmptyNamespace(t *testing.T) {
	if _, err := NewRedisStore(&redis.Options{Addr: "localhost:6379"}, ""); err == nil {
		t.Fatal("expected error for empty namespace")
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "var", "snapshot.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil snapshot for missing file, got %+v", loaded)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(ctx, sampleSnapshot("snap-1", 5, base)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, sampleSnapshot("snap-2", 9, base.Add(time.Minute))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.ID != "snap-2" {
		t.Fatalf("expected last written snapshot, got %+v", loaded)
	}
}
