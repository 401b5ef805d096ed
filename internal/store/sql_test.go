package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/rules"
)

func newSQLRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := NewSQLRepository(filepath.Join(t.TempDir(), "rulecore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLRepository_RuleCRUD(t *testing.T) {
	repo := newSQLRepo(t)
	ctx := context.Background()

	rule := rules.Rule{
		ID: "r1", RuleName: "high issue", Attribute: "issue",
		Operator: rules.OpGreaterThan, Constant: 30.0,
		Priority: 1, RulePoint: 20.0, Weight: 30.0, ActionResult: "Y",
		RulesetID: "comics", Status: rules.StatusActive, Version: 1,
	}
	require.NoError(t, repo.SaveRule(ctx, rule))
	require.NoError(t, repo.SaveCondition(ctx, rules.Condition{
		ConditionID: "c1", Attribute: "title", Operator: rules.OpEqual, Constant: "Superman",
	}))
	require.NoError(t, repo.SavePattern(ctx, "Y", "Approved"))

	list, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, rule.Operator, got.Operator)
	assert.Equal(t, 30.0, got.Constant)
	assert.NotEmpty(t, got.UpdatedAt)

	// The stored rule compiles back.
	_, err = rules.Compile(got, nil)
	require.NoError(t, err)

	conds, err := repo.ReadConditionsSet(ctx)
	require.NoError(t, err)
	require.Len(t, conds, 1)

	patterns, err := repo.ReadPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Approved", patterns["Y"])

	tok1, err := repo.FreshnessToken(ctx)
	require.NoError(t, err)
	rule.UpdatedAt = time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	require.NoError(t, repo.SaveRule(ctx, rule))
	tok2, err := repo.FreshnessToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)

	require.NoError(t, repo.DeleteRule(ctx, "r1"))
	assert.ErrorIs(t, repo.DeleteRule(ctx, "r1"), ErrNotFound)
}

func TestSQLRepository_CompositeRuleRoundTrip(t *testing.T) {
	repo := newSQLRepo(t)
	ctx := context.Background()

	rule := rules.Rule{
		ID: "r2", RuleName: "combo", ConditionIDs: []string{"c1", "c2"},
		Priority: 1, RulePoint: 10.0, Weight: 1.0, ActionResult: "Y",
	}
	require.NoError(t, repo.SaveRule(ctx, rule))

	list, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, []string{"c1", "c2"}, list[0].ConditionIDs)
}

func TestSQLRepository_ExecutionLog(t *testing.T) {
	repo := newSQLRepo(t)
	ctx := context.Background()

	err := repo.AppendExecutionLog(ctx, ExecutionLog{
		ExecutionID:          "e1",
		Timestamp:            time.Now(),
		CorrelationID:        "corr-1",
		RulesetID:            "comics",
		Input:                rules.Record{"issue": 35},
		TotalPoints:          950,
		PatternResult:        "YYY",
		ActionRecommendation: "Approved",
		Duration:             3 * time.Millisecond,
		Success:              true,
	})
	require.NoError(t, err)
}

func TestSQLRepository_VersionsAndCurrentFlag(t *testing.T) {
	repo := newSQLRepo(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		require.NoError(t, repo.SaveRuleVersion(ctx, RuleVersion{
			RuleID: "r1", VersionNumber: i, IsCurrent: true,
			Snapshot:     rules.Rule{ID: "r1", RuleName: "v", Version: i},
			ChangeReason: "edit", Author: "tester",
		}))
	}

	list, err := repo.ListRuleVersions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsCurrent)
	assert.True(t, list[1].IsCurrent)

	v1, err := repo.GetRuleVersion(ctx, "r1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Snapshot.Version)

	_, err = repo.GetRuleVersion(ctx, "r1", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLRepository_ABTestAndAssignments(t *testing.T) {
	repo := newSQLRepo(t)
	ctx := context.Background()

	test := ABTest{
		TestID: "t1", RuleID: "r1", VariantA: "1", VariantB: "2",
		SplitA: 0.5, SplitB: 0.5, Status: TestStatusDraft,
		MinSampleSize: 100, ConfidenceLevel: 0.95,
	}
	require.NoError(t, repo.SaveABTest(ctx, test))

	now := time.Now().UTC()
	test.Status = TestStatusRunning
	test.StartTime = &now
	require.NoError(t, repo.UpdateABTest(ctx, test))

	got, err := repo.GetABTest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TestStatusRunning, got.Status)
	require.NotNil(t, got.StartTime)

	a1, err := repo.UpsertAssignment(ctx, Assignment{TestID: "t1", AssignmentKey: "user-1", Variant: "A"})
	require.NoError(t, err)
	// Conflicting later write keeps the first variant.
	a2, err := repo.UpsertAssignment(ctx, Assignment{TestID: "t1", AssignmentKey: "user-1", Variant: "B"})
	require.NoError(t, err)
	assert.Equal(t, a1.Variant, a2.Variant)

	require.NoError(t, repo.RecordAssignmentExecution(ctx, "t1", "user-1", true))
	list, err := repo.ListAssignments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Executions)
	assert.Equal(t, 1, list[0].Successes)
}
