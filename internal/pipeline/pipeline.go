// Package pipeline runs a ruleset against a data record: it orders rules by
// priority, aggregates scores for matched rules, assembles the action-result
// pattern, and resolves the pattern to an action recommendation.
package pipeline

import (
	"context"
	"sort"
	"strings"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// Options controls a single pipeline run.
type Options struct {
	// DryRun returns per-rule diagnostics and suppresses all side effects.
	DryRun bool
	// CorrelationID is carried through for logging only.
	CorrelationID string
}

// RuleTrace is the per-rule diagnostic row returned in dry-run mode.
type RuleTrace struct {
	RuleName        string        `json:"rule_name"`
	Priority        int           `json:"priority"`
	ConditionString string        `json:"condition_string"`
	Matched         bool          `json:"matched"`
	ActionResult    string        `json:"action_result"`
	RulePoint       float64       `json:"rule_point"`
	Weight          float64       `json:"weight"`
	Duration        time.Duration `json:"duration"`
}

// DryRunReport splits the per-rule traces by match outcome.
type DryRunReport struct {
	WouldMatch    []RuleTrace `json:"would_match"`
	WouldNotMatch []RuleTrace `json:"would_not_match"`
}

// Result is the aggregate outcome of one pipeline run.
type Result struct {
	TotalPoints          float64        `json:"total_points"`
	PatternResult        string         `json:"pattern_result"`
	ActionRecommendation *string        `json:"action_recommendation"`
	Duration             time.Duration  `json:"duration"`
	DryRun               *DryRunReport  `json:"dry_run,omitempty"`
}

// Order returns the rules of a ruleset that participate in evaluation, in
// deterministic order: priority ascending, rule ID as tiebreak. Inactive,
// deprecated and archived rules are excluded before ordering.
func Order(rs *rules.Ruleset) []rules.Rule {
	out := make([]rules.Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.Status.Servable() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Evaluate runs the ruleset against the record. compiled must hold a
// compiled form for every servable rule in the ruleset (the registry
// guarantees this for installed snapshots).
//
// Cancellation is checked between rules; a cancelled run returns ctx.Err()
// and no partial result.
func Evaluate(ctx context.Context, rs *rules.Ruleset, compiled map[string]*rules.CompiledRule, rec rules.Record, opts Options) (*Result, error) {
	start := time.Now()
	ordered := Order(rs)

	var (
		total   float64
		pattern strings.Builder
		report  *DryRunReport
	)
	if opts.DryRun {
		report = &DryRunReport{}
	}

	for _, r := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cr, ok := compiled[r.ID]
		if !ok {
			// Registry validation makes this unreachable for installed
			// snapshots; treat a stray miss as a recovered no-match.
			logging.Get(logging.CategoryPipeline).Warn(
				"rule %s has no compiled form; counted as no-match (correlation=%s)",
				r.ID, opts.CorrelationID)
			pattern.WriteString(rules.NoMatchTag)
			continue
		}

		ruleStart := time.Now()
		res := cr.Evaluate(rec)
		ruleDur := time.Since(ruleStart)

		total += res.Contribution()
		pattern.WriteString(res.ActionResult)

		if report != nil {
			trace := RuleTrace{
				RuleName:        r.RuleName,
				Priority:        r.Priority,
				ConditionString: cr.ConditionString(),
				Matched:         res.Matched,
				ActionResult:    res.ActionResult,
				RulePoint:       res.RulePoint,
				Weight:          res.Weight,
				Duration:        ruleDur,
			}
			if res.Matched {
				report.WouldMatch = append(report.WouldMatch, trace)
			} else {
				report.WouldNotMatch = append(report.WouldNotMatch, trace)
			}
		}
	}

	result := &Result{
		TotalPoints:   total,
		PatternResult: pattern.String(),
		Duration:      time.Since(start),
		DryRun:        report,
	}
	if action, ok := rs.Patterns[result.PatternResult]; ok {
		result.ActionRecommendation = &action
	}

	logging.Get(logging.CategoryPipeline).Debug(
		"ruleset %s: points=%.2f pattern=%q recommendation=%v dry_run=%v (correlation=%s)",
		rs.ID, result.TotalPoints, result.PatternResult,
		result.ActionRecommendation != nil, opts.DryRun, opts.CorrelationID)

	return result, nil
}

// ValidatePatterns rejects pattern-table keys that contain the no-match tag
// or whose length differs from the servable rule count. Used at reload time.
func ValidatePatterns(rs *rules.Ruleset) []string {
	var problems []string
	active := len(Order(rs))
	for key := range rs.Patterns {
		if strings.Contains(key, rules.NoMatchTag) {
			problems = append(problems, "pattern key "+key+" contains the no-match tag")
		}
		if len(key) != active {
			problems = append(problems, "pattern key "+key+" length does not match active rule count")
		}
	}
	return problems
}
