package faults

import (
	"context"
	"log/slog"
	"time"
)

// Request is the mutable shape of an agent operation that recovery may
// adjust before the final retry.
type Request struct {
	Model     string   `json:"model,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Prompt    string   `json:"prompt,omitempty"`
}

// Operation is one guarded call against an agent.
type Operation struct {
	Name    string
	AgentID string
	Request Request
	// StatusCode extracts an HTTP-ish status from the error, if any.
	StatusCode func(error) int
	Do         func(ctx context.Context, req Request) (any, error)
}

// Result is the structured outcome: Success with a Value, or a Failure.
// Failures are values, never panics.
type Result struct {
	Success bool     `json:"success"`
	Value   any      `json:"value,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

// RetryConfig bounds local retries of retryable categories.
type RetryConfig struct {
	MaxAttempts int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	Delay       time.Duration `json:"delay" envconfig:"DELAY"`
	MaxDelay    time.Duration `json:"maxDelay" envconfig:"MAX_DELAY"`
	// Exponential growth; fixed when false.
	Exponential bool `json:"exponential"`
}

// RecoveryConfig adjusts the request after retries are exhausted and tries
// once more. Zero values disable the corresponding mutation.
type RecoveryConfig struct {
	Enabled       bool   `json:"enabled"`
	FallbackModel string `json:"fallbackModel" envconfig:"FALLBACK_MODEL"`
	// ShrinkTokens halves MaxTokens when true.
	ShrinkTokens bool `json:"shrinkTokens"`
	// DropTools removes the tool list from the adjusted request.
	DropTools bool `json:"dropTools"`
}

// Config holds fault handling settings: retry and recovery for the handler,
// escalation bounds for the tracker built alongside it.
type Config struct {
	Retry      RetryConfig     `json:"retry"`
	Recovery   RecoveryConfig  `json:"recovery"`
	Escalation EscalatorConfig `json:"escalation"`
}

// DefaultConfig returns sensible fault handling defaults.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			MaxAttempts: 3,
			Delay:       time.Second,
			MaxDelay:    30 * time.Second,
			Exponential: true,
		},
		Recovery: RecoveryConfig{
			Enabled:      true,
			ShrinkTokens: true,
			DropTools:    true,
		},
		Escalation: DefaultEscalatorConfig(),
	}
}

// Handler executes operations under the classification, retry, recovery and
// escalation policies.
type Handler struct {
	cfg        Config
	classifier *Classifier
	escalator  *Escalator
	sleep      func(ctx context.Context, d time.Duration) error
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSleeper replaces the backoff sleeper for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) HandlerOption {
	return func(h *Handler) { h.sleep = fn }
}

// WithEscalator attaches an escalation tracker.
func WithEscalator(esc *Escalator) HandlerOption {
	return func(h *Handler) { h.escalator = esc }
}

// NewHandler creates a fault handler.
func NewHandler(cfg Config, classifier *Classifier, opts ...HandlerOption) *Handler {
	def := DefaultConfig()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = def.Retry.Delay
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	h := &Handler{
		cfg:        cfg,
		classifier: classifier,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute runs the operation under the full policy: classify each failure,
// retry retryable categories with backoff, then run one recovery pass with
// an adjusted request. The returned Result never wraps a panic; failures are
// reported with a stable error id so callers can apply their own policy.
func (h *Handler) Execute(ctx context.Context, op Operation) Result {
	var failure Failure
	for attempt := 1; attempt <= h.cfg.Retry.MaxAttempts; attempt++ {
		value, err := op.Do(ctx, op.Request)
		if err == nil {
			return Result{Success: true, Value: value}
		}

		failure = h.classify(op, err)
		h.record(op, failure)

		if !failure.Retryable {
			return Result{Failure: &failure}
		}
		if attempt < h.cfg.Retry.MaxAttempts {
			if err := h.sleep(ctx, h.delayFor(attempt)); err != nil {
				return Result{Failure: &failure}
			}
		}
	}

	if !h.cfg.Recovery.Enabled {
		return Result{Failure: &failure}
	}

	adjusted, changed := h.adjust(op.Request, failure)
	if !changed {
		return Result{Failure: &failure}
	}

	slog.Info("Attempting recovery with adjusted request",
		"operation", op.Name, "agent", op.AgentID, "category", failure.Category)
	value, err := op.Do(ctx, adjusted)
	if err == nil {
		return Result{Success: true, Value: value}
	}
	recoveryFailure := h.classify(op, err)
	h.record(op, recoveryFailure)
	return Result{Failure: &recoveryFailure}
}

func (h *Handler) classify(op Operation, err error) Failure {
	status := 0
	if op.StatusCode != nil {
		status = op.StatusCode(err)
	}
	return h.classifier.Classify(err, status, op.Name, op.AgentID)
}

func (h *Handler) record(op Operation, failure Failure) {
	if h.escalator != nil {
		h.escalator.Record(failure)
	}
}

func (h *Handler) delayFor(attempt int) time.Duration {
	d := h.cfg.Retry.Delay
	if h.cfg.Retry.Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if h.cfg.Retry.MaxDelay > 0 && d >= h.cfg.Retry.MaxDelay {
				return h.cfg.Retry.MaxDelay
			}
		}
	}
	if h.cfg.Retry.MaxDelay > 0 && d > h.cfg.Retry.MaxDelay {
		d = h.cfg.Retry.MaxDelay
	}
	return d
}

// adjust mutates a copy of the request per the recovery config: shrink the
// token budget, drop tools on tool failures, substitute the configured
// fallback model. Reports whether anything actually changed.
func (h *Handler) adjust(req Request, failure Failure) (Request, bool) {
	changed := false
	if h.cfg.Recovery.ShrinkTokens && req.MaxTokens > 1 {
		req.MaxTokens /= 2
		changed = true
	}
	if h.cfg.Recovery.DropTools && failure.Category == CategoryTool && len(req.Tools) > 0 {
		req.Tools = nil
		changed = true
	}
	if h.cfg.Recovery.FallbackModel != "" && req.Model != "" && req.Model != h.cfg.Recovery.FallbackModel {
		req.Model = h.cfg.Recovery.FallbackModel
		changed = true
	}
	return req, changed
}
