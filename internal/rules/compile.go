package rules

import (
	"fmt"
	"regexp"
	"strings"

	"rulecore/internal/logging"
)

// predicate is one compiled condition. Predicates are pure functions and
// safe to call from any number of goroutines.
type predicate func(Record) bool

// CompiledRule is a rule whose expression has been materialized once at load
// time. It carries the original fields needed for scoring.
type CompiledRule struct {
	Rule Rule

	// Coerced score fields. scorable is false when rule_point or weight
	// failed coercion; such a rule is skipped at evaluation time.
	RulePoint float64
	Weight    float64
	scorable  bool

	predicates []predicate
	condString string
}

// ConditionString is the human-readable condition, used by dry-run output.
func (c *CompiledRule) ConditionString() string { return c.condString }

// Compile materializes a rule into a compiled predicate. Composite rules
// resolve their condition references against conditions (keyed by
// condition_id) and combine them with logical AND.
func Compile(rule Rule, conditions map[string]Condition) (*CompiledRule, error) {
	compiled := &CompiledRule{Rule: rule, scorable: true}

	point, ok := toFloat(rule.RulePoint)
	if !ok {
		compiled.scorable = false
	}
	weight, wok := toFloat(rule.Weight)
	if !wok {
		compiled.scorable = false
	}
	compiled.RulePoint = point
	compiled.Weight = weight

	var parts []string
	switch {
	case !rule.Composite() && rule.Operator == "" && rule.Attribute == "":
		// Unconditional rule: no predicates, always matches. Produced by
		// DMN rows whose input cells are all wildcards.
		compiled.condString = NoMatchTag
		return compiled, nil
	case rule.Composite():
		for _, condID := range rule.ConditionIDs {
			cond, ok := conditions[condID]
			if !ok {
				return nil, compileErrf(rule.ID, "unknown condition reference %q", condID)
			}
			p, err := compilePredicate(rule.ID, cond.Attribute, cond.Operator, cond.Constant)
			if err != nil {
				return nil, err
			}
			compiled.predicates = append(compiled.predicates, p)
			parts = append(parts, fmt.Sprintf("%s %s %v", cond.Attribute, cond.Operator, cond.Constant))
		}
	default:
		p, err := compilePredicate(rule.ID, rule.Attribute, rule.Operator, rule.Constant)
		if err != nil {
			return nil, err
		}
		compiled.predicates = append(compiled.predicates, p)
		parts = append(parts, fmt.Sprintf("%s %s %v", rule.Attribute, rule.Operator, rule.Constant))
	}
	compiled.condString = strings.Join(parts, " AND ")

	return compiled, nil
}

// Evaluate runs the compiled predicate against a record. It never fails on
// missing attributes; an absent attribute makes the predicate false and the
// action result the no-match tag.
func (c *CompiledRule) Evaluate(rec Record) EvalResult {
	if !c.scorable {
		logging.Get(logging.CategoryEvaluator).Warn(
			"rule %s skipped: rule_point=%v weight=%v failed numeric coercion",
			c.Rule.ID, c.Rule.RulePoint, c.Rule.Weight)
		return EvalResult{Matched: false, ActionResult: NoMatchTag}
	}

	for _, p := range c.predicates {
		if !p(rec) {
			return EvalResult{
				Matched:      false,
				ActionResult: NoMatchTag,
				RulePoint:    c.RulePoint,
				Weight:       c.Weight,
			}
		}
	}
	return EvalResult{
		Matched:      true,
		ActionResult: c.Rule.ActionResult,
		RulePoint:    c.RulePoint,
		Weight:       c.Weight,
	}
}

// compilePredicate builds the predicate for one attribute/operator/constant
// triple. Constant shape errors are caught here, not at evaluation time.
func compilePredicate(ruleID, attribute string, op Operator, constant interface{}) (predicate, error) {
	if !knownOperators[op] {
		return nil, compileErrf(ruleID, "unknown operator %q", op)
	}
	if attribute == "" {
		return nil, compileErrf(ruleID, "empty attribute")
	}

	switch op {
	case OpEqual:
		return func(rec Record) bool {
			v, ok := rec[attribute]
			if !ok {
				return false
			}
			// A list-valued attribute (COLLECT enrichment) degrades
			// equal to membership.
			if list, isList := toList(v); isList {
				return memberOf(constant, list)
			}
			return looseEqual(v, constant)
		}, nil

	case OpNotEqual:
		return func(rec Record) bool {
			v, ok := rec[attribute]
			if !ok {
				return false
			}
			if list, isList := toList(v); isList {
				return !memberOf(constant, list)
			}
			return !looseEqual(v, constant)
		}, nil

	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		want, ok := toFloat(constant)
		if !ok {
			return nil, compileErrf(ruleID, "operator %s requires a numeric constant, got %v", op, constant)
		}
		return func(rec Record) bool {
			v, present := rec[attribute]
			if !present {
				return false
			}
			got, numeric := toFloat(v)
			if !numeric {
				return false
			}
			switch op {
			case OpGreaterThan:
				return got > want
			case OpGreaterThanOrEqual:
				return got >= want
			case OpLessThan:
				return got < want
			default:
				return got <= want
			}
		}, nil

	case OpIn, OpNotIn:
		list, ok := toList(constant)
		if !ok {
			return nil, compileErrf(ruleID, "operator %s requires a list constant, got %v", op, constant)
		}
		return func(rec Record) bool {
			v, present := rec[attribute]
			if !present {
				return false
			}
			in := memberOf(v, list)
			if op == OpNotIn {
				return !in
			}
			return in
		}, nil

	case OpRange:
		list, ok := toList(constant)
		if !ok || len(list) != 2 {
			return nil, compileErrf(ruleID, "operator range requires a [lo, hi] constant, got %v", constant)
		}
		lo, lok := toFloat(list[0])
		hi, hok := toFloat(list[1])
		if !lok || !hok {
			return nil, compileErrf(ruleID, "operator range requires numeric bounds, got %v", constant)
		}
		return func(rec Record) bool {
			v, present := rec[attribute]
			if !present {
				return false
			}
			got, numeric := toFloat(v)
			if !numeric {
				return false
			}
			return got >= lo && got <= hi
		}, nil

	case OpContains:
		needle, ok := constant.(string)
		if !ok {
			return nil, compileErrf(ruleID, "operator contains requires a string constant, got %v", constant)
		}
		return func(rec Record) bool {
			v, present := rec[attribute]
			if !present {
				return false
			}
			return strings.Contains(toString(v), needle)
		}, nil

	case OpRegex:
		pattern, ok := constant.(string)
		if !ok {
			return nil, compileErrf(ruleID, "operator regex requires a string pattern, got %v", constant)
		}
		// Full-string match.
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, compileErrf(ruleID, "invalid regex pattern %q: %v", pattern, err)
		}
		return func(rec Record) bool {
			v, present := rec[attribute]
			if !present {
				return false
			}
			return re.MatchString(toString(v))
		}, nil
	}

	return nil, compileErrf(ruleID, "unknown operator %q", op)
}

// CompileAll compiles every rule in a slice, returning the first failure.
// Used by registry validation before a snapshot is installed.
func CompileAll(list []Rule, conditions map[string]Condition) (map[string]*CompiledRule, error) {
	out := make(map[string]*CompiledRule, len(list))
	for _, r := range list {
		if _, dup := out[r.ID]; dup {
			return nil, compileErrf(r.ID, "duplicate rule ID")
		}
		c, err := Compile(r, conditions)
		if err != nil {
			return nil, err
		}
		out[r.ID] = c
	}
	return out, nil
}
