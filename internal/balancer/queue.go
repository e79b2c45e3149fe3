package balancer

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Enqueue places an assignment in the pending queue. Entries are kept in
// descending priority order; equal priorities stay in arrival order.
func (b *Balancer) Enqueue(assignment Assignment, priority int, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	entry := QueuedAssignment{
		ID:         uuid.NewString(),
		Assignment: assignment,
		Timestamp:  b.now(),
		Priority:   priority,
		Timeout:    timeout,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Stable insertion position: first index with strictly lower priority.
	pos := sort.Search(len(b.queue), func(i int) bool {
		return b.queue[i].Priority < priority
	})
	b.queue = append(b.queue, QueuedAssignment{})
	copy(b.queue[pos+1:], b.queue[pos:])
	b.queue[pos] = entry
	return entry.ID
}

// QueueLength returns the number of pending entries.
func (b *Balancer) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DrainQueue attempts to match each pending entry to an agent, in priority
// order. Matched entries are handed to the dispatch handler; expired ones are
// dropped and reported; the rest stay queued. Returns how many dispatched.
func (b *Balancer) DrainQueue() int {
	now := b.now()

	b.mu.Lock()
	var remaining []QueuedAssignment
	var dispatched []struct {
		entry QueuedAssignment
		agent string
	}
	var expired []QueuedAssignment

	for _, entry := range b.queue {
		if now.Sub(entry.Timestamp) > entry.Timeout {
			expired = append(expired, entry)
			continue
		}
		sel := b.selectLocked(entry.Assignment)
		if sel.AgentID == "" {
			remaining = append(remaining, entry)
			continue
		}
		dispatched = append(dispatched, struct {
			entry QueuedAssignment
			agent string
		}{entry, sel.AgentID})
	}
	b.queue = remaining
	onDispatch := b.onDispatch
	onTimeout := b.onTimeout
	b.mu.Unlock()

	for _, e := range expired {
		slog.Warn("Queued assignment timed out", "assignment", e.Assignment.ID, "queued_for", now.Sub(e.Timestamp))
		if onTimeout != nil {
			onTimeout(e)
		}
	}
	for _, d := range dispatched {
		if onDispatch != nil {
			onDispatch(d.entry, d.agent)
		}
	}
	return len(dispatched)
}

// EvaluateHealth recomputes every agent's health flag and decays idle
// agents' load toward zero.
func (b *Balancer) EvaluateHealth() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, a := range b.agents {
		a.Healthy = a.SuccessRate > 0.8 && a.AvgResponseTime < 10000
		if a.ActiveRequests == 0 && a.CurrentLoad > 0 {
			a.CurrentLoad *= b.cfg.IdleDecayFactor
			if a.CurrentLoad < 0.01 {
				a.CurrentLoad = 0
			}
		}
	}
}

// Start runs the queue-drain and health ticks until Stop. The two timers are
// independent; consumers must tolerate slightly stale reads between ticks.
// Run as a goroutine.
func (b *Balancer) Start() {
	queueTicker := time.NewTicker(b.cfg.QueueInterval)
	healthTicker := time.NewTicker(b.cfg.HealthInterval)
	defer queueTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-queueTicker.C:
			b.DrainQueue()
		case <-healthTicker.C:
			b.EvaluateHealth()
		}
	}
}

// Stop terminates the background ticks.
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
