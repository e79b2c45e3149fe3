package coord

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRecoveryExhausted marks a checkpoint whose bounded replay attempts ran
// out. Recovery for it is terminal; it is reported, not retried further.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// CreateCheckpoint records recovery state for a workflow session and returns
// the checkpoint id.
func (e *Engine) CreateCheckpoint(workflowID, lastStep string, data map[string]any) string {
	cp := &Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		LastStep:   lastStep,
		Data:       data,
		CreatedAt:  time.Now(),
	}

	e.mu.Lock()
	e.checkpoints[cp.ID] = cp
	e.mu.Unlock()

	e.publish("recovery.checkpoint", workflowID, map[string]any{
		"checkpoint_id": cp.ID,
		"last_step":     lastStep,
	})
	return cp.ID
}

// Checkpoint returns a copy of a stored checkpoint.
func (e *Engine) Checkpoint(id string) (Checkpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.checkpoints[id]
	if !ok {
		return Checkpoint{}, false
	}
	return *cp, true
}

// ReplayCheckpoint runs replay against a stored checkpoint, counting the
// attempt. Once MaxRecoveryAttempts is exceeded the checkpoint is terminal
// and ErrRecoveryExhausted is returned without invoking replay.
func (e *Engine) ReplayCheckpoint(id string, replay func(Checkpoint) error) error {
	e.mu.Lock()
	cp, ok := e.checkpoints[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("checkpoint %s not found", id)
	}
	if cp.Attempts >= e.cfg.MaxRecoveryAttempts {
		e.mu.Unlock()
		e.publish("recovery.exhausted", cp.WorkflowID, map[string]any{
			"checkpoint_id": id,
			"attempts":      cp.Attempts,
		})
		return fmt.Errorf("checkpoint %s: %w", id, ErrRecoveryExhausted)
	}
	cp.Attempts++
	snapshot := *cp
	e.mu.Unlock()

	if err := replay(snapshot); err != nil {
		return fmt.Errorf("checkpoint %s replay failed: %w", id, err)
	}

	e.mu.Lock()
	delete(e.checkpoints, id)
	e.mu.Unlock()
	return nil
}
