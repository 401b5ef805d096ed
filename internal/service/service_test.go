package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rulecore/internal/abtest"
	"rulecore/internal/config"
	"rulecore/internal/rules"
	"rulecore/internal/store"
	"rulecore/internal/workflow"
)

func newService(t *testing.T, factory workflow.Factory) (*Service, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.Seed([]rules.Rule{
		{ID: "r1", RuleName: "high issue", Attribute: "issue",
			Operator: rules.OpGreaterThan, Constant: 30.0, Priority: 1,
			RulePoint: 20.0, Weight: 30.0, ActionResult: "Y"},
		{ID: "r2", RuleName: "superman", Attribute: "title",
			Operator: rules.OpEqual, Constant: "Superman", Priority: 2,
			RulePoint: 10.0, Weight: 20.0, ActionResult: "Y"},
	}, nil, map[string]string{"YY": "Approved"})

	svc := New(config.Default(), repo, factory)
	require.NoError(t, svc.Reload(context.Background()))
	return svc, repo
}

func TestExecute_AppendsOneLog(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)

	rec := rules.Record{"issue": 35.0, "title": "Superman"}
	res, err := svc.Execute(context.Background(), rec, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, 800.0, res.TotalPoints)
	assert.Equal(t, "YY", res.PatternResult)
	require.NotNil(t, res.ActionRecommendation)
	assert.Equal(t, "Approved", *res.ActionRecommendation)
	assert.NotEmpty(t, res.ExecutionID)
	assert.NotEmpty(t, res.CorrelationID, "correlation ID defaults when absent")

	svc.Close() // drains the sink
	logs := repo.ExecutionLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, res.ExecutionID, logs[0].ExecutionID)
	assert.Equal(t, "Approved", logs[0].ActionRecommendation)
	assert.True(t, logs[0].Success)
}

func TestExecute_DryRunThenRealParity(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)
	rec := rules.Record{"issue": 35.0, "title": "Superman"}

	dry, err := svc.Execute(context.Background(), rec, ExecuteOptions{DryRun: true})
	require.NoError(t, err)
	require.NotNil(t, dry.DryRun)

	wet, err := svc.Execute(context.Background(), rec, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, dry.TotalPoints, wet.TotalPoints)
	assert.Equal(t, dry.PatternResult, wet.PatternResult)
	assert.Equal(t, dry.ActionRecommendation, wet.ActionRecommendation)

	// Exactly one log, from the non-dry-run.
	svc.Close()
	assert.Len(t, repo.ExecutionLogs(), 1)
}

func TestExecute_CancelledAppendsNoLog(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Execute(ctx, rules.Record{"issue": 35.0}, ExecuteOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	svc.Close()
	assert.Empty(t, repo.ExecutionLogs())
}

func TestExecute_InputValidation(t *testing.T) {
	svc, _ := newService(t, nil)
	defer svc.Close()

	_, err := svc.Execute(context.Background(), nil, ExecuteOptions{})
	assert.ErrorIs(t, err, rules.ErrInputValidation)

	_, err = svc.Execute(context.Background(), rules.Record{}, ExecuteOptions{RulesetID: "ghost"})
	assert.ErrorIs(t, err, rules.ErrInputValidation)
}

func TestExecute_ABWrap(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)
	ctx := context.Background()

	// Empty variant versions mean both arms run the current rule; this test
	// covers assignment stability and log tagging only.
	require.NoError(t, svc.CreateTest(ctx, store.ABTest{
		TestID: "t1", RuleID: "r1",
		SplitA: 0.5, SplitB: 0.5, MinSampleSize: 1, ConfidenceLevel: 0.95,
	}))
	require.NoError(t, svc.StartTest(ctx, "t1"))

	rec := rules.Record{"issue": 35.0, "title": "Superman"}
	res, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "t1", AssignmentKey: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", res.ABTestID)
	assert.Contains(t, []string{abtest.VariantA, abtest.VariantB}, res.ABTestVariant)

	// Same key, same variant.
	res2, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "t1", AssignmentKey: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, res.ABTestVariant, res2.ABTestVariant)

	// Missing key: the record content supplies a stable one.
	res3, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "t1"})
	require.NoError(t, err)
	res4, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, res3.ABTestVariant, res4.ABTestVariant)

	svc.Close()
	logs := repo.ExecutionLogs()
	require.Len(t, logs, 4)
	assert.Equal(t, "t1", logs[0].ABTestID)
	assert.NotEmpty(t, logs[0].ABTestVariant)

	m, err := svc.TestMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, m.A.Executions+m.B.Executions)
}

func TestExecute_ABVariantsScoreDifferently(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, _ := newService(t, nil)
	ctx := context.Background()

	// v1 keeps weight 30, v2 raises it to 50; roll the live rule back so the
	// control arm and the registry both sit on version 1 content.
	rule, _ := svc.Registry().Rule("r1")
	_, err := svc.CommitVersion(ctx, rule, "baseline", "alice")
	require.NoError(t, err)
	rule.Weight = 50.0
	_, err = svc.CommitVersion(ctx, rule, "heavier issue rule", "alice")
	require.NoError(t, err)
	_, err = svc.Rollback(ctx, "r1", 1, "")
	require.NoError(t, err)

	rec := rules.Record{"issue": 35.0, "title": "Superman"}

	// All traffic to B: the treatment version drives the score.
	require.NoError(t, svc.CreateTest(ctx, store.ABTest{
		TestID: "tb", RuleID: "r1", VariantA: "1", VariantB: "2",
		SplitA: 0, SplitB: 1, MinSampleSize: 1,
	}))
	require.NoError(t, svc.StartTest(ctx, "tb"))
	treat, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "tb", AssignmentKey: "u1"})
	require.NoError(t, err)
	assert.Equal(t, abtest.VariantB, treat.ABTestVariant)
	assert.Equal(t, 1200.0, treat.TotalPoints) // 50*20 + 20*10

	// All traffic to A: the control version matches the live rule.
	require.NoError(t, svc.CreateTest(ctx, store.ABTest{
		TestID: "ta", RuleID: "r1", VariantA: "1", VariantB: "2",
		SplitA: 1, SplitB: 0, MinSampleSize: 1,
	}))
	require.NoError(t, svc.StartTest(ctx, "ta"))
	ctrl, err := svc.Execute(ctx, rec, ExecuteOptions{ABTestID: "ta", AssignmentKey: "u1"})
	require.NoError(t, err)
	assert.Equal(t, abtest.VariantA, ctrl.ABTestVariant)
	assert.Equal(t, 800.0, ctrl.TotalPoints) // 30*20 + 20*10

	// Per-request substitution leaves the registry generation untouched.
	live, _ := svc.Registry().Rule("r1")
	assert.Equal(t, 30.0, live.Weight)

	svc.Close()
}

func TestExecute_DraftTestDegradesToPlainRun(t *testing.T) {
	svc, _ := newService(t, nil)
	defer svc.Close()
	ctx := context.Background()

	require.NoError(t, svc.CreateTest(ctx, store.ABTest{
		TestID: "t1", RuleID: "r1", SplitA: 0.5, SplitB: 0.5,
	}))

	res, err := svc.Execute(ctx, rules.Record{"issue": 35.0}, ExecuteOptions{ABTestID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, res.ABTestVariant)
}

func TestExecuteBatch(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)

	records := []rules.Record{
		{"issue": 35.0, "title": "Superman"},
		{"issue": 5.0, "title": "Batman"},
	}
	res, err := svc.ExecuteBatch(context.Background(), records, BatchOptions{MaxWorkers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 0, res.Results[0].Index)

	svc.Close()
	assert.Len(t, repo.ExecutionLogs(), 2)
}

func TestExecuteBatch_EmptyInput(t *testing.T) {
	svc, _ := newService(t, nil)
	defer svc.Close()

	_, err := svc.ExecuteBatch(context.Background(), nil, BatchOptions{})
	assert.ErrorIs(t, err, rules.ErrInputValidation)
}

const serviceDMN = `<?xml version="1.0" encoding="UTF-8"?>
<definitions xmlns="https://www.omg.org/spec/DMN/20191111/MODEL/" id="d" name="d">
  <decision id="score" name="score">
    <decisionTable hitPolicy="UNIQUE">
      <input id="i1"><inputExpression><text>issue</text></inputExpression></input>
      <output id="o1" name="verdict"/>
      <rule id="row1">
        <inputEntry><text>&gt; 30</text></inputEntry>
        <outputEntry><text>"high"</text></outputEntry>
      </rule>
      <rule id="row2">
        <inputEntry><text>-</text></inputEntry>
        <outputEntry><text>"low"</text></outputEntry>
      </rule>
    </decisionTable>
  </decision>
</definitions>`

func TestExecuteDMN(t *testing.T) {
	defer goleak.VerifyNone(t)
	svc, repo := newService(t, nil)

	res, err := svc.ExecuteDMN(context.Background(), []byte(serviceDMN),
		rules.Record{"issue": 35.0}, DMNOptions{})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, "high", res.Data["verdict"])

	_, err = svc.ExecuteDMN(context.Background(), []byte("<not-dmn/>"),
		rules.Record{}, DMNOptions{})
	assert.Error(t, err)

	svc.Close()
	assert.Len(t, repo.ExecutionLogs(), 1)
}

func TestExecuteWorkflow(t *testing.T) {
	factory := workflow.FuncFactory{
		"mark": func(_ context.Context, rec rules.Record) (rules.Record, error) {
			rec["marked"] = true
			return rec, nil
		},
	}
	svc, _ := newService(t, factory)
	defer svc.Close()

	res, err := svc.ExecuteWorkflow(context.Background(), "p1", []string{"mark"}, rules.Record{})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["marked"])

	_, err = svc.ExecuteWorkflow(context.Background(), "p1", []string{"ghost"}, nil)
	var unknown *workflow.StageUnknownError
	assert.ErrorAs(t, err, &unknown)
}

func TestVersioningThroughService(t *testing.T) {
	svc, repo := newService(t, nil)
	defer svc.Close()
	ctx := context.Background()

	rule, _ := svc.Registry().Rule("r1")
	rule.Weight = 50.0
	v1, err := svc.CommitVersion(ctx, rule, "raise weight", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)

	// The live registry and repository picked up the change.
	live, _ := svc.Registry().Rule("r1")
	assert.Equal(t, 50.0, live.Weight)
	persisted, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	for _, r := range persisted {
		if r.ID == "r1" {
			assert.Equal(t, 50.0, r.Weight)
		}
	}

	rule.Weight = 75.0
	_, err = svc.CommitVersion(ctx, rule, "raise again", "alice")
	require.NoError(t, err)

	rolled, err := svc.Rollback(ctx, "r1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.VersionNumber)
	live, _ = svc.Registry().Rule("r1")
	assert.Equal(t, 50.0, live.Weight)

	cmpRes, err := svc.CompareVersions(ctx, "r1", 1, 2)
	require.NoError(t, err)
	require.Len(t, cmpRes.Diffs, 1)
	assert.Equal(t, "weight", cmpRes.Diffs[0].Field)

	history, err := svc.ListVersions(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestServiceStatusAndValidate(t *testing.T) {
	svc, repo := newService(t, nil)
	defer svc.Close()
	ctx := context.Background()

	st := svc.Status()
	assert.Equal(t, uint64(1), st.RegistryVersion)
	assert.Equal(t, 2, st.RuleCount)
	assert.Equal(t, "ok", st.LastReloadStatus)
	assert.False(t, st.MonitoringActive)

	problems, err := svc.Validate(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)

	require.NoError(t, repo.SaveRule(ctx, rules.Rule{
		ID: "broken", Attribute: "f", Operator: "bogus", Constant: 1,
	}))
	problems, err = svc.Validate(ctx)
	require.NoError(t, err)
	assert.Len(t, problems, 1)
}

func TestServiceStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	repo := store.NewMemoryRepository()
	repo.Seed([]rules.Rule{
		{ID: "r1", Attribute: "f", Operator: rules.OpEqual, Constant: "x",
			RulePoint: 1.0, Weight: 1.0, ActionResult: "Y"},
	}, nil, nil)

	cfg := config.Default()
	cfg.Registry.MonitorInterval = 5 * time.Millisecond
	svc := New(cfg, repo, nil)
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Status().MonitoringActive)

	svc.Close()
	assert.False(t, svc.Status().MonitoringActive)
}
