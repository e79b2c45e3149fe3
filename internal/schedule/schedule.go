package schedule

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voltagent/voltagent/internal/bus"
)

// Runner starts workflow executions. The workflow manager satisfies it.
type Runner interface {
	Execute(workflowID string, input map[string]any) (string, error)
}

// Entry is one scheduled workflow trigger.
type Entry struct {
	Name       string
	Expr       *Expr
	WorkflowID string
	Input      map[string]any
}

// Config holds scheduler settings.
type Config struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	LockPath      string        `json:"lockPath" envconfig:"LOCK_PATH"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:       false,
		TickInterval:  60 * time.Second,
		MaxConcurrent: 4,
		LockPath:      filepath.Join(home, ".voltagent", "schedule.lock"),
	}
}

// Scheduler fires workflow executions when their cron expressions match.
// A file lock keeps multiple orchestrator processes on one host from
// double-triggering.
type Scheduler struct {
	cfg    Config
	runner Runner
	events *bus.Bus

	mu      sync.RWMutex
	entries map[string]*Entry
	sem     *Semaphore
	lock    *FileLock
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(cfg Config, runner Runner, events *bus.Bus, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	s := &Scheduler{
		cfg:     cfg,
		runner:  runner,
		events:  events,
		entries: make(map[string]*Entry),
		sem:     NewSemaphore(cfg.MaxConcurrent),
		lock:    NewFileLock(cfg.LockPath),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a trigger. The cron expression is parsed here so a bad
// entry fails fast.
func (s *Scheduler) Add(name, cronExpr, workflowID string, input map[string]any) error {
	expr, err := Parse(cronExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = &Entry{Name: name, Expr: expr, WorkflowID: workflowID, Input: input}
	slog.Info("schedule entry added", "name", name, "workflow", workflowID, "cron", cronExpr)
	return nil
}

// Remove drops a trigger by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Entries returns a snapshot of registered triggers.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "tick", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick fires every entry whose expression matches now. Exported so embedders
// with their own timers can drive the scheduler.
func (s *Scheduler) Tick(now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.entries {
		if entry.Expr.Matches(now) {
			s.fire(entry, now)
		}
	}
}

func (s *Scheduler) fire(entry *Entry, now time.Time) {
	if !s.sem.TryAcquire() {
		slog.Warn("schedule entry skipped: concurrency limit", "name", entry.Name)
		s.publish("schedule.skipped", entry, "", now)
		return
	}

	go func() {
		defer s.sem.Release()
		execID, err := s.runner.Execute(entry.WorkflowID, entry.Input)
		if err != nil {
			slog.Warn("scheduled workflow failed to start",
				"name", entry.Name, "workflow", entry.WorkflowID, "error", err)
			s.publish("schedule.failed", entry, "", now)
			return
		}
		slog.Info("scheduled workflow started",
			"name", entry.Name, "workflow", entry.WorkflowID, "execution", execID)
		s.publish("schedule.triggered", entry, execID, now)
	}()
}

func (s *Scheduler) publish(eventType string, entry *Entry, execID string, now time.Time) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"entry":    entry.Name,
		"workflow": entry.WorkflowID,
		"tick":     now.Format(time.RFC3339),
	}
	if execID != "" {
		data["execution_id"] = execID
	}
	s.events.Publish(bus.Event{Type: eventType, Source: "scheduler", Data: data})
}
