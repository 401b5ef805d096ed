package batch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/rules"
)

func comicsRuleset(t *testing.T) (*rules.Ruleset, map[string]*rules.CompiledRule) {
	t.Helper()
	list := []rules.Rule{
		{ID: "r1", RuleName: "high issue", Attribute: "issue",
			Operator: rules.OpGreaterThan, Constant: 30.0, Priority: 1,
			RulePoint: 20.0, Weight: 30.0, ActionResult: "Y"},
		{ID: "r2", RuleName: "superman", Attribute: "title",
			Operator: rules.OpEqual, Constant: "Superman", Priority: 2,
			RulePoint: 10.0, Weight: 20.0, ActionResult: "Y"},
	}
	compiled, err := rules.CompileAll(list, nil)
	require.NoError(t, err)
	rs := &rules.Ruleset{
		ID: "comics", Name: "comics", Rules: list,
		Patterns: map[string]string{"YY": "Approved"},
	}
	return rs, compiled
}

func TestRun_EmptyInput(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(4)

	_, err := e.Run(context.Background(), rs, compiled, nil, Options{})
	assert.ErrorIs(t, err, rules.ErrInputValidation)
}

func TestRun_ResultsInInputOrder(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(8)

	var records []rules.Record
	for i := 0; i < 50; i++ {
		records = append(records, rules.Record{"issue": float64(i), "title": "Superman"})
	}

	res, err := e.Run(context.Background(), rs, compiled, records, Options{MaxWorkers: 8})
	require.NoError(t, err)
	require.Len(t, res.Results, 50)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index, "results must be ordered by input index")
		assert.True(t, r.Success)
		if i > 30 {
			assert.Equal(t, "YY", r.PatternResult)
			assert.Equal(t, 800.0, r.TotalPoints)
		} else {
			assert.Equal(t, "-Y", r.PatternResult)
		}
	}
}

func TestRun_Summary(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(4)

	records := []rules.Record{
		{"issue": 35.0, "title": "Superman"},
		{"issue": 5.0, "title": "Batman"},
		{"issue": 40.0, "title": "Superman"},
	}
	res, err := e.Run(context.Background(), rs, compiled, records, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Successful)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1.0, res.SuccessRate)
	assert.Positive(t, res.TotalDuration)
	assert.Positive(t, res.AverageDuration)

	approved := "Approved"
	assert.Equal(t, &approved, res.Results[0].ActionRecommendation)
}

func TestRun_SingleWorkerStillOrdered(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(0)

	var records []rules.Record
	for i := 0; i < 10; i++ {
		records = append(records, rules.Record{"issue": 35.0, "title": fmt.Sprintf("t%d", i)})
	}
	res, err := e.Run(context.Background(), rs, compiled, records, Options{MaxWorkers: 1})
	require.NoError(t, err)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
	}
}

func TestRun_FailingRecordKeepsOrderAndRest(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(3)

	records := []rules.Record{
		{"issue": 35.0, "title": "Superman"},
		{"issue": 5.0},
		nil,
	}
	res, err := e.Run(context.Background(), rs, compiled, records, Options{MaxWorkers: 3})
	require.NoError(t, err, "one bad record must not abort the batch")

	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.InDelta(t, 2.0/3.0, res.SuccessRate, 1e-9)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
	}
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Success)

	bad := res.Results[2]
	assert.False(t, bad.Success)
	assert.Equal(t, "input_validation", bad.ErrorType)
	assert.NotEmpty(t, bad.Error)
}

func TestRun_CancelledMarksRemaining(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []rules.Record{
		{"issue": 35.0}, {"issue": 36.0}, {"issue": 37.0},
	}
	res, err := e.Run(ctx, rs, compiled, records, Options{MaxWorkers: 2})
	require.NoError(t, err, "a cancelled batch still returns partial results")

	assert.Equal(t, 0, res.Successful)
	assert.Equal(t, 3, res.Failed)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.False(t, r.Success)
		assert.Equal(t, "cancelled", r.ErrorType)
	}
}

func TestRun_DryRunProducesNoSideEffects(t *testing.T) {
	rs, compiled := comicsRuleset(t)
	e := NewExecutor(4)

	records := []rules.Record{{"issue": 35.0, "title": "Superman"}}
	dry, err := e.Run(context.Background(), rs, compiled, records, Options{DryRun: true})
	require.NoError(t, err)
	wet, err := e.Run(context.Background(), rs, compiled, records, Options{})
	require.NoError(t, err)

	assert.Equal(t, wet.Results[0].TotalPoints, dry.Results[0].TotalPoints)
	assert.Equal(t, wet.Results[0].PatternResult, dry.Results[0].PatternResult)
}

func TestWorkers_Defaulting(t *testing.T) {
	e := NewExecutor(3)
	assert.Equal(t, 3, e.workers(Options{}, 10))
	assert.Equal(t, 2, e.workers(Options{}, 2), "pool never exceeds record count")
	assert.Equal(t, 5, e.workers(Options{MaxWorkers: 5}, 10))
	assert.Equal(t, 1, e.workers(Options{MaxWorkers: -1}, 0), "floor of one worker")
}
