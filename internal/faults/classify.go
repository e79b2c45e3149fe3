// Package faults implements error classification, bounded retry with
// recovery, and sliding-window escalation for agent operations.
package faults

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the flat error taxonomy. No exception subclassing: failures
// are values.
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryRateLimit  Category = "rate_limit"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryTool       Category = "tool"
	CategoryModel      Category = "model"
	CategoryNetwork    Category = "network"
	CategoryPermanent  Category = "permanent"
	CategoryUnknown    Category = "unknown"
)

// Severity grades a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Retryable reports whether the category is retried locally. Auth, permanent
// and validation failures surface immediately.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTransient, CategoryNetwork, CategoryRateLimit, CategoryTool:
		return true
	default:
		return false
	}
}

// Failure is the structured result reported to callers in place of a raised
// error.
type Failure struct {
	ErrorID   string    `json:"error_id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	Operation string    `json:"operation,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Rule maps message substrings or status codes to a classification. First
// matching rule wins.
type Rule struct {
	Substrings  []string
	StatusCodes []int
	Category    Category
	Severity    Severity
}

// Classifier turns raw errors into Failures by rule matching.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier with the default rule set.
func NewClassifier(extra ...Rule) *Classifier {
	rules := append([]Rule(nil), extra...)
	rules = append(rules,
		Rule{StatusCodes: []int{429}, Substrings: []string{"rate limit", "too many requests"}, Category: CategoryRateLimit, Severity: SeverityMedium},
		Rule{StatusCodes: []int{401, 403}, Substrings: []string{"unauthorized", "forbidden", "invalid api key", "authentication"}, Category: CategoryAuth, Severity: SeverityHigh},
		Rule{Substrings: []string{"timeout", "timed out", "temporarily", "connection reset", "try again"}, Category: CategoryTransient, Severity: SeverityLow},
		Rule{StatusCodes: []int{502, 503, 504}, Substrings: []string{"connection refused", "no such host", "network", "broken pipe"}, Category: CategoryNetwork, Severity: SeverityMedium},
		Rule{StatusCodes: []int{400, 422}, Substrings: []string{"validation", "invalid argument", "invalid request", "malformed"}, Category: CategoryValidation, Severity: SeverityMedium},
		Rule{Substrings: []string{"out of memory", "quota exceeded", "disk full", "resource"}, Category: CategoryResource, Severity: SeverityHigh},
		Rule{Substrings: []string{"tool execution", "tool failed", "tool not found"}, Category: CategoryTool, Severity: SeverityMedium},
		Rule{Substrings: []string{"model overloaded", "model unavailable", "context length"}, Category: CategoryModel, Severity: SeverityHigh},
		Rule{StatusCodes: []int{404, 410}, Substrings: []string{"not supported", "permanently"}, Category: CategoryPermanent, Severity: SeverityHigh},
	)
	return &Classifier{rules: rules}
}

// Classify builds a Failure for err. statusCode may be zero when no HTTP
// status is involved. Unmatched errors fall back to unknown/medium.
func (c *Classifier) Classify(err error, statusCode int, operation, agentID string) Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	category := CategoryUnknown
	severity := SeverityMedium
	for _, rule := range c.rules {
		if rule.matches(lower, statusCode) {
			category = rule.Category
			severity = rule.Severity
			break
		}
	}

	return Failure{
		ErrorID:   uuid.NewString(),
		Category:  category,
		Severity:  severity,
		Retryable: category.Retryable(),
		Message:   msg,
		Operation: operation,
		AgentID:   agentID,
		Timestamp: time.Now(),
	}
}

func (r Rule) matches(lowerMsg string, statusCode int) bool {
	for _, code := range r.StatusCodes {
		if statusCode == code {
			return true
		}
	}
	if lowerMsg == "" {
		return false
	}
	for _, sub := range r.Substrings {
		if strings.Contains(lowerMsg, sub) {
			return true
		}
	}
	return false
}
