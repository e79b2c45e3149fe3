package bus

import (
	"path"
	"strings"
)

// RoutingRule derives additional deliveries from a published event. Pattern,
// Source and Target are glob patterns; empty means match-any. Transform may
// return zero or more events; returning nil with a nil Transform delivers a
// copy retargeted to Target verbatim.
type RoutingRule struct {
	ID        string
	Pattern   string
	Source    string
	Target    string
	Priority  int
	Transform func(Event) []Event
}

func (r RoutingRule) matches(e Event) bool {
	if r.Pattern != "" && !MatchPattern(r.Pattern, e.Type) {
		return false
	}
	if r.Source != "" && !MatchPattern(r.Source, e.Source) {
		return false
	}
	return true
}

func (r RoutingRule) apply(e Event) []Event {
	if r.Transform != nil {
		return r.Transform(e)
	}
	copy := e
	copy.ID = ""
	copy.Target = r.Target
	return []Event{copy}
}

// isPattern reports whether s contains glob metacharacters.
func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// MatchPattern matches a dotted name against a glob pattern. "*" alone
// matches everything; otherwise path.Match semantics apply per dot-separated
// segment, so "workflow.*" matches "workflow.started" but not
// "workflow.step.started".
func MatchPattern(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(
		strings.ReplaceAll(pattern, ".", "/"),
		strings.ReplaceAll(name, ".", "/"),
	)
	return err == nil && ok
}
