// Package rules defines the rule data model and the evaluator that compiles
// a declarative rule into a predicate over a flat data record. Compiled rules
// are immutable and safe for concurrent evaluation.
package rules

import "errors"

// NoMatchTag is the action-result tag emitted when a rule does not match.
// Pattern-table keys must never contain it.
const NoMatchTag = "-"

// ErrInputValidation reports a malformed input record or request.
var ErrInputValidation = errors.New("input validation failed")

// Operator is the closed vocabulary of rule condition operators.
type Operator string

const (
	OpEqual              Operator = "equal"
	OpNotEqual           Operator = "not_equal"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
	OpRange              Operator = "range"
	OpContains           Operator = "contains"
	OpRegex              Operator = "regex"
)

// knownOperators is the compile-time whitelist.
var knownOperators = map[Operator]bool{
	OpEqual: true, OpNotEqual: true,
	OpGreaterThan: true, OpGreaterThanOrEqual: true,
	OpLessThan: true, OpLessThanOrEqual: true,
	OpIn: true, OpNotIn: true,
	OpRange: true, OpContains: true, OpRegex: true,
}

// Status is the lifecycle status of a rule.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDeprecated Status = "deprecated"
	StatusArchived   Status = "archived"
)

// Servable reports whether a rule in this status participates in evaluation.
// Inactive, deprecated and archived rules are excluded before ordering.
func (s Status) Servable() bool {
	switch s {
	case StatusInactive, StatusDeprecated, StatusArchived:
		return false
	}
	return true
}

// Record is a flat input record: field name to scalar, list, or nested map.
// Missing keys resolve to an absent value that makes every comparison false.
type Record map[string]interface{}

// Clone returns a shallow copy of the record. Decision enrichment writes to
// the copy so callers keep their original input.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Condition is a reusable named predicate. Immutable once committed.
type Condition struct {
	ConditionID string      `json:"condition_id"`
	Attribute   string      `json:"attribute"`
	Operator    Operator    `json:"operator"`
	Constant    interface{} `json:"constant"`
}

// Rule is a single scored rule. Either the inline attribute/operator/constant
// triple is set (simple rule) or ConditionIDs references shared conditions
// combined by AND (composite rule).
//
// The wire format names the operator field "condition" (rules-set JSON).
type Rule struct {
	ID           string      `json:"id"`
	RuleName     string      `json:"rule_name"`
	Attribute    string      `json:"attribute,omitempty"`
	Operator     Operator    `json:"condition,omitempty"`
	Constant     interface{} `json:"constant,omitempty"`
	ConditionIDs []string    `json:"condition_ids,omitempty"`
	Priority     int         `json:"priority"`
	RulePoint    interface{} `json:"rule_point"`
	Weight       interface{} `json:"weight"`
	ActionResult string      `json:"action_result"`
	RulesetID    string      `json:"ruleset_id,omitempty"`
	Status       Status      `json:"status,omitempty"`
	Version      int         `json:"version,omitempty"`
	UpdatedAt    string      `json:"updated_at,omitempty"`
}

// Composite reports whether the rule references shared conditions.
func (r Rule) Composite() bool { return len(r.ConditionIDs) > 0 }

// Ruleset is a named collection of rules plus the pattern table mapping a
// concatenated action-result pattern to an action recommendation.
type Ruleset struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Rules      []Rule            `json:"rules"`
	Patterns   map[string]string `json:"patterns"`
	ActionTags []string          `json:"action_tags,omitempty"`
	IsDefault  bool              `json:"is_default,omitempty"`
	Version    int               `json:"version,omitempty"`
}

// EvalResult is the outcome of evaluating one compiled rule.
type EvalResult struct {
	Matched      bool    `json:"matched"`
	ActionResult string  `json:"action_result"`
	RulePoint    float64 `json:"rule_point"`
	Weight       float64 `json:"weight"`
}

// Contribution is the score added to the pipeline total for this result:
// rule_point * weight for a match, zero otherwise.
func (e EvalResult) Contribution() float64 {
	if !e.Matched {
		return 0
	}
	return e.RulePoint * e.Weight
}
