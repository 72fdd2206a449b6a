package events

import (
	"sort"

	"github.com/tidwall/gjson"
)

// Target names a component that receives routed envelopes.
type Target string

// TransformFunc produces a modified copy of an envelope. Transforms must be
// pure: they operate on a clone and never touch the original.
type TransformFunc func(e *Envelope) *Envelope

// Condition operators for rule predicates.
const (
	OpEq     = "eq"
	OpNe     = "ne"
	OpGt     = "gt"
	OpGte    = "gte"
	OpLt     = "lt"
	OpLte    = "lte"
	OpExists = "exists"
	OpIn     = "in"
)

// RuleCondition is a predicate over the envelope payload, addressed by gjson
// path.
type RuleCondition struct {
	Path  string `yaml:"path"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value,omitempty"`
}

// Evaluate applies the condition to the envelope's payload.
func (c *RuleCondition) Evaluate(e *Envelope) bool {
	res := gjson.GetBytes(e.DataJSON(), c.Path)

	switch c.Op {
	case OpExists:
		return res.Exists()
	case OpEq:
		return res.Exists() && looseEqual(res, c.Value)
	case OpNe:
		return !res.Exists() || !looseEqual(res, c.Value)
	case OpGt:
		return res.Exists() && res.Float() > toFloat(c.Value)
	case OpGte:
		return res.Exists() && res.Float() >= toFloat(c.Value)
	case OpLt:
		return res.Exists() && res.Float() < toFloat(c.Value)
	case OpLte:
		return res.Exists() && res.Float() <= toFloat(c.Value)
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok || !res.Exists() {
			return false
		}
		for _, v := range values {
			if looseEqual(res, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func looseEqual(res gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return res.String() == w
	case bool:
		return res.Bool() == w
	case float64:
		return res.Float() == w
	case int:
		return res.Float() == float64(w)
	case int64:
		return res.Float() == float64(w)
	default:
		return res.String() == ""
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// RoutingRule maps (type, sources) to a target set with optional transform
// and condition. Lower priority fires first; ties break by declaration
// order.
type RoutingRule struct {
	Name      string
	Type      string
	Sources   []Source // empty = any source
	Targets   []Target
	Priority  int
	Condition *RuleCondition
	Transform TransformFunc
}

func (r *RoutingRule) matchesSource(s Source) bool {
	if len(r.Sources) == 0 {
		return true
	}
	for _, src := range r.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// RoutedEvent is one (target, envelope) pair produced by routing.
type RoutedEvent struct {
	Target   Target
	Envelope *Envelope
	Rule     string
}

// Router applies the immutable rule set to envelopes. Rules are sorted once
// at construction, so routing itself is lock-free.
type Router struct {
	rules []RoutingRule
}

// NewRouter builds a router from rules, ordered by priority then declaration
// order.
func NewRouter(rules []RoutingRule) *Router {
	sorted := make([]RoutingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Router{rules: sorted}
}

// Route produces the ordered (target, envelope) fan-out for an envelope.
// Within a rule, targets fire in declaration order.
func (r *Router) Route(e *Envelope) []RoutedEvent {
	var out []RoutedEvent

	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Type != e.Type || !rule.matchesSource(e.Source) {
			continue
		}
		if rule.Condition != nil && !rule.Condition.Evaluate(e) {
			continue
		}

		routed := e
		if rule.Transform != nil {
			routed = rule.Transform(e.Clone())
		}

		for _, target := range rule.Targets {
			out = append(out, RoutedEvent{
				Target:   target,
				Envelope: routed,
				Rule:     rule.Name,
			})
		}
	}

	return out
}

// Rules returns a copy of the ordered rule set.
func (r *Router) Rules() []RoutingRule {
	out := make([]RoutingRule, len(r.rules))
	copy(out, r.rules)
	return out
}
