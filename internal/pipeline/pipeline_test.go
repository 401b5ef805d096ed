package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/rules"
)

// scenarioRuleset builds the three-rule scoring scenario:
// issue > 30 (w=30 p=20), title == "Superman" (w=20 p=15),
// publisher in [DC, Marvel] (w=5 p=10), pattern YYY -> Approved.
func scenarioRuleset(t *testing.T) (*rules.Ruleset, map[string]*rules.CompiledRule) {
	t.Helper()
	rs := &rules.Ruleset{
		ID:   "comics",
		Name: "comics",
		Rules: []rules.Rule{
			{ID: "r1", RuleName: "high issue", Attribute: "issue", Operator: rules.OpGreaterThan, Constant: 30,
				Priority: 1, RulePoint: 20.0, Weight: 30.0, ActionResult: "Y"},
			{ID: "r2", RuleName: "superman", Attribute: "title", Operator: rules.OpEqual, Constant: "Superman",
				Priority: 2, RulePoint: 15.0, Weight: 20.0, ActionResult: "Y"},
			{ID: "r3", RuleName: "big two", Attribute: "publisher", Operator: rules.OpIn, Constant: []interface{}{"DC", "Marvel"},
				Priority: 3, RulePoint: 10.0, Weight: 5.0, ActionResult: "Y"},
		},
		Patterns: map[string]string{"YYY": "Approved"},
	}
	compiled, err := rules.CompileAll(rs.Rules, nil)
	require.NoError(t, err)
	return rs, compiled
}

func TestEvaluate_ScoringScenario(t *testing.T) {
	rs, compiled := scenarioRuleset(t)
	rec := rules.Record{"issue": 35, "title": "Superman", "publisher": "DC"}

	res, err := Evaluate(context.Background(), rs, compiled, rec, Options{})
	require.NoError(t, err)

	// 30*20 + 20*15 + 5*10
	assert.Equal(t, 950.0, res.TotalPoints)
	assert.Equal(t, "YYY", res.PatternResult)
	require.NotNil(t, res.ActionRecommendation)
	assert.Equal(t, "Approved", *res.ActionRecommendation)
}

func TestEvaluate_PatternLengthEqualsActiveRules(t *testing.T) {
	rs, compiled := scenarioRuleset(t)
	records := []rules.Record{
		{"issue": 35, "title": "Superman", "publisher": "DC"},
		{"issue": 5},
		{},
		{"title": "Batman", "publisher": "Image"},
	}
	for _, rec := range records {
		res, err := Evaluate(context.Background(), rs, compiled, rec, Options{})
		require.NoError(t, err)
		assert.Len(t, res.PatternResult, 3)
	}
}

func TestEvaluate_NoMatchContributesZero(t *testing.T) {
	rs, compiled := scenarioRuleset(t)
	res, err := Evaluate(context.Background(), rs, compiled, rules.Record{"issue": 35}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 600.0, res.TotalPoints) // only rule 1
	assert.Equal(t, "Y--", res.PatternResult)
	assert.Nil(t, res.ActionRecommendation)
}

func TestEvaluate_PriorityOrderIsDeterministic(t *testing.T) {
	rs := &rules.Ruleset{
		ID: "order",
		Rules: []rules.Rule{
			{ID: "b", Attribute: "f", Operator: rules.OpEqual, Constant: "x", Priority: 2, RulePoint: 1, Weight: 1, ActionResult: "B"},
			{ID: "a", Attribute: "f", Operator: rules.OpEqual, Constant: "x", Priority: 2, RulePoint: 1, Weight: 1, ActionResult: "A"},
			{ID: "c", Attribute: "f", Operator: rules.OpEqual, Constant: "x", Priority: 1, RulePoint: 1, Weight: 1, ActionResult: "C"},
			{ID: "d", Attribute: "f", Operator: rules.OpEqual, Constant: "x", Priority: 3, RulePoint: 1, Weight: 1, ActionResult: "D", Status: rules.StatusInactive},
		},
		Patterns: map[string]string{},
	}
	compiled, err := rules.CompileAll(rs.Rules, nil)
	require.NoError(t, err)

	res, err := Evaluate(context.Background(), rs, compiled, rules.Record{"f": "x"}, Options{})
	require.NoError(t, err)
	// Priority 1 first, then priority 2 tie broken by rule ID; inactive excluded.
	assert.Equal(t, "CAB", res.PatternResult)
}

func TestEvaluate_EmptyRuleset(t *testing.T) {
	rs := &rules.Ruleset{ID: "empty", Patterns: map[string]string{}}
	res, err := Evaluate(context.Background(), rs, nil, rules.Record{"f": 1}, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.TotalPoints)
	assert.Equal(t, "", res.PatternResult)
	assert.Nil(t, res.ActionRecommendation)
}

func TestEvaluate_DryRunReport(t *testing.T) {
	rs, compiled := scenarioRuleset(t)
	rec := rules.Record{"issue": 35, "title": "Batman", "publisher": "DC"}

	res, err := Evaluate(context.Background(), rs, compiled, rec, Options{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, res.DryRun)

	assert.Len(t, res.DryRun.WouldMatch, 2)
	assert.Len(t, res.DryRun.WouldNotMatch, 1)
	assert.Equal(t, "superman", res.DryRun.WouldNotMatch[0].RuleName)
	assert.NotEmpty(t, res.DryRun.WouldMatch[0].ConditionString)

	// Dry-run aggregates match the real run.
	wet, err := Evaluate(context.Background(), rs, compiled, rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, wet.TotalPoints, res.TotalPoints)
	assert.Equal(t, wet.PatternResult, res.PatternResult)
}

func TestEvaluate_Cancellation(t *testing.T) {
	rs, compiled := scenarioRuleset(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Evaluate(ctx, rs, compiled, rules.Record{"issue": 35}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidatePatterns(t *testing.T) {
	rs, _ := scenarioRuleset(t)

	rs.Patterns = map[string]string{"YYY": "Approved", "Y-Y": "Odd", "YY": "Short"}
	problems := ValidatePatterns(rs)
	assert.Len(t, problems, 2)

	rs.Patterns = map[string]string{"YYY": "Approved", "YNN": "Rejected"}
	assert.Empty(t, ValidatePatterns(rs))
}
