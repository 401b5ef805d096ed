package dmn

import (
	"context"
	"strings"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// DecisionResult is the per-decision slice of an execution.
type DecisionResult struct {
	DecisionID string                 `json:"decision_id"`
	Points     float64                `json:"points"`
	Pattern    string                 `json:"pattern"`
	Matched    []string               `json:"matched_rules"`
	Enriched   map[string]interface{} `json:"enriched"`
}

// Result aggregates a multi-decision execution. Points and pattern
// concatenate across decisions in execution order.
type Result struct {
	TotalPoints    float64          `json:"total_points"`
	PatternResult  string           `json:"pattern_result"`
	ExecutionOrder []string         `json:"execution_order"`
	CycleFallback  []string         `json:"cycle_fallback,omitempty"`
	Decisions      []DecisionResult `json:"decisions"`
	Data           rules.Record     `json:"data"`
	Duration       time.Duration    `json:"duration"`
}

// Execute runs every decision in topological order against the record.
// After each decision, output labels of matched rows are assigned into a
// copy of the record so dependent decisions see them as inputs. Unresolvable
// inputs surface as per-rule no-match, never as an error.
func Execute(ctx context.Context, defs *Definitions, rec rules.Record) (*Result, error) {
	start := time.Now()
	order, cycle := Schedule(defs)

	data := rec.Clone()
	result := &Result{CycleFallback: cycle, Data: data}

	for _, dec := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dr, err := executeDecision(dec, data)
		if err != nil {
			return nil, err
		}
		result.ExecutionOrder = append(result.ExecutionOrder, dec.ID)
		result.TotalPoints += dr.Points
		result.PatternResult += dr.Pattern
		result.Decisions = append(result.Decisions, *dr)
		for k, v := range dr.Enriched {
			data[k] = v
		}
	}

	result.Duration = time.Since(start)
	logging.Get(logging.CategoryDMN).Debug(
		"executed %d decisions: points=%.2f pattern=%q order=%v",
		len(order), result.TotalPoints, result.PatternResult, result.ExecutionOrder)
	return result, nil
}

// executeDecision evaluates one decision's rows in priority (row) order and
// applies its hit policy to produce output enrichment.
func executeDecision(dec *Decision, data rules.Record) (*DecisionResult, error) {
	dr := &DecisionResult{
		DecisionID: dec.ID,
		Enriched:   make(map[string]interface{}),
	}

	// Matched output values per output column, in row order.
	columnValues := make([][]interface{}, len(dec.Outputs))

	var pattern strings.Builder
	for idx, rule := range dec.Rules {
		compiled, err := rules.Compile(rule, dec.Conditions)
		if err != nil {
			// Compilation errors inside a row degrade to no-match.
			logging.Get(logging.CategoryDMN).Warn(
				"decision %s rule %s failed to compile: %v", dec.ID, rule.ID, err)
			pattern.WriteString(rules.NoMatchTag)
			continue
		}
		res := compiled.Evaluate(data)
		pattern.WriteString(res.ActionResult)
		if !res.Matched {
			continue
		}
		dr.Points += res.Contribution()
		dr.Matched = append(dr.Matched, rule.ID)
		for col, v := range dec.RowOutputs[rule.ID] {
			if col < len(columnValues) {
				columnValues[col] = append(columnValues[col], v)
			}
		}

		// UNIQUE and FIRST stop at the first matched row. The remaining
		// rows still occupy pattern positions as no-match so the pattern
		// length stays equal to the row count.
		if dec.HitPolicy == HitUnique || dec.HitPolicy == HitFirst {
			for skipped := idx + 1; skipped < len(dec.Rules); skipped++ {
				pattern.WriteString(rules.NoMatchTag)
			}
			break
		}
	}
	dr.Pattern = pattern.String()

	for col, label := range dec.Outputs {
		values := columnValues[col]
		if len(values) == 0 {
			continue
		}
		switch dec.HitPolicy {
		case HitCollect:
			if len(values) == 1 {
				dr.Enriched[label] = values[0]
			} else {
				dr.Enriched[label] = values
			}
		case HitAny:
			dr.Enriched[label] = values[0]
		default: // UNIQUE, FIRST, PRIORITY rely on row order
			dr.Enriched[label] = values[0]
		}
	}

	return dr, nil
}

// CompileToRuleset flattens a parsed document into one service ruleset,
// rules grouped by decision in scheduled order.
func CompileToRuleset(defs *Definitions, rulesetID string) *rules.Ruleset {
	order, _ := Schedule(defs)
	rs := &rules.Ruleset{
		ID:       rulesetID,
		Name:     rulesetID,
		Patterns: map[string]string{},
	}
	priority := 0
	for _, dec := range order {
		for _, r := range dec.Rules {
			priority++
			r.Priority = priority
			r.RulesetID = rulesetID
			rs.Rules = append(rs.Rules, r)
		}
	}
	return rs
}

// Conditions merges the per-decision condition maps of a document, for
// callers that compile the flattened ruleset.
func Conditions(defs *Definitions) map[string]rules.Condition {
	out := make(map[string]rules.Condition)
	for _, dec := range defs.Decisions {
		for id, c := range dec.Conditions {
			out[id] = c
		}
	}
	return out
}
