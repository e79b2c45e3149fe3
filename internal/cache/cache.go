// Package cache provides the TTL + eviction key/value cache used by the
// orchestration components.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Strategy selects the eviction candidate ranking.
type Strategy string

const (
	LRU  Strategy = "lru"  // oldest last access first
	LFU  Strategy = "lfu"  // lowest access count first
	FIFO Strategy = "fifo" // oldest insertion first
)

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Key          string        `json:"key"`
	Value        any           `json:"value"`
	Timestamp    time.Time     `json:"timestamp"`
	TTL          time.Duration `json:"ttl"`
	AccessCount  uint64        `json:"access_count"`
	LastAccessed time.Time     `json:"last_accessed"`
	Size         int64         `json:"size"`
	Namespace    string        `json:"namespace,omitempty"`
}

// Config holds cache settings.
type Config struct {
	MaxSize       int64         `json:"maxSize" envconfig:"MAX_SIZE"`
	DefaultTTL    time.Duration `json:"defaultTTL" envconfig:"DEFAULT_TTL"`
	Strategy      Strategy      `json:"strategy" envconfig:"STRATEGY"`
	SweepInterval time.Duration `json:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       64 * 1024 * 1024,
		DefaultTTL:    5 * time.Minute,
		Strategy:      LRU,
		SweepInterval: 60 * time.Second,
	}
}

// Stats reports cache counters.
type Stats struct {
	Entries     int    `json:"entries"`
	Size        int64  `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Rejections  uint64 `json:"rejections"`
}

// Cache is a namespaced TTL cache with size-based eviction. Expiry is checked
// lazily on read; a periodic sweep removes expired entries proactively.
type Cache struct {
	mu          sync.Mutex
	cfg         Config
	entries     map[string]*Entry
	size        int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	rejections  uint64
	now         func() time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source. Tests use this for deterministic TTL
// expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOption adjusts a single Set call.
type SetOption func(*Entry)

// WithTTL overrides the default TTL for one entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(e *Entry) { e.TTL = ttl }
}

// WithNamespace places the entry in a namespace.
func WithNamespace(ns string) SetOption {
	return func(e *Entry) { e.Namespace = ns }
}

func qualify(ns, key string) string {
	if ns == "" {
		return key
	}
	return ns + ":" + key
}

// Set stores a value. Inserting past MaxSize evicts entries ranked by the
// configured strategy until the new entry fits. An entry larger than
// MaxSize can never fit and is rejected without evicting anything.
func (c *Cache) Set(key string, value any, opts ...SetOption) {
	now := c.now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		Timestamp:    now,
		TTL:          c.cfg.DefaultTTL,
		LastAccessed: now,
		Size:         estimateSize(value),
	}
	for _, opt := range opts {
		opt(entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Size > c.cfg.MaxSize {
		c.rejections++
		return
	}
	qk := qualify(entry.Namespace, key)
	if prev, ok := c.entries[qk]; ok {
		c.size -= prev.Size
		delete(c.entries, qk)
	}
	if c.size+entry.Size > c.cfg.MaxSize {
		c.evictLocked(entry.Size)
	}
	c.entries[qk] = entry
	c.size += entry.Size
}

// Get returns the cached value, or false on miss. An expired entry counts as
// a miss and is removed.
func (c *Cache) Get(key string, namespace ...string) (any, bool) {
	ns := ""
	if len(namespace) > 0 {
		ns = namespace[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	qk := qualify(ns, key)
	entry, ok := c.entries[qk]
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if c.expiredAt(entry, now) {
		c.removeLocked(qk, entry)
		c.expirations++
		c.misses++
		return nil, false
	}
	entry.AccessCount++
	entry.LastAccessed = now
	c.hits++
	return entry.Value, true
}

// Has reports whether a live entry exists without touching access stats.
func (c *Cache) Has(key string, namespace ...string) bool {
	ns := ""
	if len(namespace) > 0 {
		ns = namespace[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[qualify(ns, key)]
	return ok && !c.expiredAt(entry, c.now())
}

// Delete removes an entry. Returns false if it was absent.
func (c *Cache) Delete(key string, namespace ...string) bool {
	ns := ""
	if len(namespace) > 0 {
		ns = namespace[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	qk := qualify(ns, key)
	entry, ok := c.entries[qk]
	if !ok {
		return false
	}
	c.removeLocked(qk, entry)
	return true
}

// Clear drops every entry, or only one namespace's entries when given.
func (c *Cache) Clear(namespace ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(namespace) == 0 || namespace[0] == "" {
		c.entries = make(map[string]*Entry)
		c.size = 0
		return
	}
	for qk, entry := range c.entries {
		if entry.Namespace == namespace[0] {
			c.removeLocked(qk, entry)
		}
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		Size:        c.size,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Rejections:  c.rejections,
	}
}

// Start runs the periodic sweep until Stop is called. Run as a goroutine.
func (c *Cache) Start() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			removed := c.Sweep()
			if removed > 0 {
				slog.Debug("Cache sweep removed expired entries", "count", removed)
			}
		}
	}
}

// Stop terminates the sweep loop.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for qk, entry := range c.entries {
		if c.expiredAt(entry, now) {
			c.removeLocked(qk, entry)
			c.expirations++
			removed++
		}
	}
	return removed
}

func (c *Cache) expiredAt(entry *Entry, now time.Time) bool {
	return entry.TTL > 0 && now.After(entry.Timestamp.Add(entry.TTL))
}

// removeLocked drops one entry and its size accounting. Caller holds c.mu.
func (c *Cache) removeLocked(qk string, entry *Entry) {
	delete(c.entries, qk)
	c.size -= entry.Size
}

// evictLocked frees room for needed bytes by removing ranked candidates,
// lowest rank first. Caller holds c.mu.
func (c *Cache) evictLocked(needed int64) {
	type candidate struct {
		qk    string
		entry *Entry
	}
	candidates := make([]candidate, 0, len(c.entries))
	for qk, entry := range c.entries {
		candidates = append(candidates, candidate{qk, entry})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].entry, candidates[j].entry
		switch c.cfg.Strategy {
		case LFU:
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.LastAccessed.Before(b.LastAccessed)
		case FIFO:
			return a.Timestamp.Before(b.Timestamp)
		default: // LRU
			return a.LastAccessed.Before(b.LastAccessed)
		}
	})

	for _, cand := range candidates {
		if c.size+needed <= c.cfg.MaxSize {
			return
		}
		c.removeLocked(cand.qk, cand.entry)
		c.evictions++
	}
}

// estimateSize approximates an entry's footprint from its JSON encoding.
func estimateSize(value any) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return int64(len(fmt.Sprintf("%v", value)))
	}
	if len(data) == 0 {
		return 1
	}
	return int64(len(data))
}
