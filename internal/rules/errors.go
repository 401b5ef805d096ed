package rules

import "fmt"

// CompileError reports a rule that cannot be compiled: unknown operator,
// malformed constant, or a reference to a missing condition. A compile
// failure during reload rejects the whole snapshot.
type CompileError struct {
	RuleID string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %s: compile failed: %s", e.RuleID, e.Reason)
}

// EvaluationError reports a runtime failure inside a single rule. These are
// recovered locally: the rule counts as no-match and evaluation proceeds.
type EvaluationError struct {
	RuleID string
	Reason string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s: evaluation failed: %s", e.RuleID, e.Reason)
}

func compileErrf(ruleID, format string, args ...interface{}) *CompileError {
	return &CompileError{RuleID: ruleID, Reason: fmt.Sprintf(format, args...)}
}
