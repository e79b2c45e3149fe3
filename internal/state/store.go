// Package state provides the versioned key/value store shared by the
// orchestration components.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeEvent records a single mutation.
type ChangeEvent struct {
	Key       string    `json:"key"`
	OldValue  any       `json:"old_value,omitempty"`
	NewValue  any       `json:"new_value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   uint64    `json:"version"`
}

// Snapshot is a full copy of the store taken at a point in time.
type Snapshot struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Version   uint64         `json:"version"`
	Checksum  uint64         `json:"checksum"`
}

// Saver persists snapshots. Implementations live outside the core store.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
}

// Loader restores the most recent persisted snapshot, or nil if none exists.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// ChangeHandler observes mutations. Registered per key or with the "*"
// wildcard.
type ChangeHandler func(ChangeEvent)

// Config holds state store settings.
type Config struct {
	HistorySize int `json:"historySize" envconfig:"HISTORY_SIZE"`
}

// DefaultConfig returns sensible state store defaults.
func DefaultConfig() Config {
	return Config{HistorySize: 1000}
}

type watcher struct {
	id      uint64
	handler ChangeHandler
}

// Store is the process-wide state store. Keys are hierarchical dotted
// strings; every mutation bumps a global version counter and notifies
// per-key and wildcard watchers.
type Store struct {
	mu        sync.RWMutex
	cfg       Config
	entries   map[string]any
	version   uint64
	history   []ChangeEvent
	snapshots map[string]Snapshot
	watchers  map[string][]watcher
	nextWatch uint64
	saver     Saver
	loader    Loader
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence injects the snapshot persistence collaborators. Either may
// be nil.
func WithPersistence(saver Saver, loader Loader) Option {
	return func(s *Store) {
		s.saver = saver
		s.loader = loader
	}
}

// New creates a state store.
func New(cfg Config, opts ...Option) *Store {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	s := &Store{
		cfg:       cfg,
		entries:   make(map[string]any),
		snapshots: make(map[string]Snapshot),
		watchers:  make(map[string][]watcher),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set writes a value and notifies watchers. Source identifies the mutating
// component for the change history.
func (s *Store) Set(key string, value any, source string) {
	s.mu.Lock()
	change := s.setLocked(key, value, source)
	s.mu.Unlock()
	s.notify(change)
}

// SetMultiple applies all writes under one lock acquisition so no other
// writer interleaves, then notifies watchers per key. Iteration order over
// the map is not significant; each key still gets its own version.
func (s *Store) SetMultiple(values map[string]any, source string) {
	changes := make([]ChangeEvent, 0, len(values))
	s.mu.Lock()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		changes = append(changes, s.setLocked(k, values[k], source))
	}
	s.mu.Unlock()
	for _, c := range changes {
		s.notify(c)
	}
}

// setLocked mutates one key. Caller holds s.mu.
func (s *Store) setLocked(key string, value any, source string) ChangeEvent {
	old := s.entries[key]
	s.entries[key] = value
	s.version++
	change := ChangeEvent{
		Key:       key,
		OldValue:  old,
		NewValue:  value,
		Timestamp: time.Now(),
		Source:    source,
		Version:   s.version,
	}
	s.appendHistory(change)
	return change
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Delete removes a key. Returns false if the key was absent.
func (s *Store) Delete(key string, source string) bool {
	s.mu.Lock()
	old, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, key)
	s.version++
	change := ChangeEvent{
		Key:       key,
		OldValue:  old,
		Timestamp: time.Now(),
		Source:    source,
		Version:   s.version,
	}
	s.appendHistory(change)
	s.mu.Unlock()
	s.notify(change)
	return true
}

// Keys returns all keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Version returns the current global version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Watch registers a change handler for a key, or for every key with "*".
// Returns an unwatch func.
func (s *Store) Watch(key string, handler ChangeHandler) func() {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[key] = append(s.watchers[key], watcher{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[key]
		for i, w := range ws {
			if w.id == id {
				s.watchers[key] = append(ws[:i:i], ws[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notify(change ChangeEvent) {
	s.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.watchers[change.Key])+len(s.watchers["*"]))
	for _, w := range s.watchers[change.Key] {
		handlers = append(handlers, w.handler)
	}
	for _, w := range s.watchers["*"] {
		handlers = append(handlers, w.handler)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}

// appendHistory keeps a bounded change log, oldest entries dropped. Caller
// holds s.mu.
func (s *Store) appendHistory(change ChangeEvent) {
	s.history = append(s.history, change)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// History returns up to limit most recent changes, oldest first. limit <= 0
// returns everything retained.
func (s *Store) History(limit int) []ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]ChangeEvent, len(h))
	copy(out, h)
	return out
}

// CreateSnapshot captures the full current state.
func (s *Store) CreateSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateCopy := make(map[string]any, len(s.entries))
	for k, v := range s.entries {
		stateCopy[k] = v
	}
	snap := Snapshot{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		State:     stateCopy,
		Version:   s.version,
		Checksum:  checksum(stateCopy),
	}
	s.snapshots[snap.ID] = snap
	return snap
}

// RestoreSnapshot replaces the full state with a previously taken snapshot.
// If the recomputed checksum disagrees with the stored one the store is left
// untouched and an error is returned.
func (s *Store) RestoreSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[id]
	if !ok {
		return fmt.Errorf("snapshot %s not found", id)
	}
	return s.restoreLocked(snap)
}

func (s *Store) restoreLocked(snap Snapshot) error {
	if got := checksum(snap.State); got != snap.Checksum {
		return fmt.Errorf("snapshot %s checksum mismatch: stored %d, computed %d", snap.ID, snap.Checksum, got)
	}
	s.entries = make(map[string]any, len(snap.State))
	for k, v := range snap.State {
		s.entries[k] = v
	}
	s.version++
	return nil
}

// Persist saves a fresh snapshot through the injected Saver.
func (s *Store) Persist(ctx context.Context) error {
	if s.saver == nil {
		return fmt.Errorf("no persistence saver configured")
	}
	snap := s.CreateSnapshot()
	if err := s.saver.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

// LoadPersisted restores the most recent snapshot from the injected Loader.
// A nil snapshot from the loader is not an error; the store keeps its
// current contents.
func (s *Store) LoadPersisted(ctx context.Context) error {
	if s.loader == nil {
		return fmt.Errorf("no persistence loader configured")
	}
	snap, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.restoreLocked(*snap); err != nil {
		return err
	}
	s.snapshots[snap.ID] = *snap
	return nil
}

// checksum is an order-independent hash over the serialized entries. It
// detects gross corruption only; it is not cryptographic.
func checksum(state map[string]any) uint64 {
	var sum uint64
	for k, v := range state {
		h := fnv.New64a()
		h.Write([]byte(k))
		h.Write([]byte{0})
		data, err := json.Marshal(v)
		if err != nil {
			data = []byte(fmt.Sprintf("%v", v))
		}
		h.Write(data)
		sum += h.Sum64()
	}
	return sum
}
