package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rulecore/internal/rules"
)

const sampleRulesFile = `{
  "rules_set": [
    {"id": "r1", "rule_name": "high issue", "attribute": "issue", "condition": "greater_than",
     "constant": 30, "weight": 30, "rule_point": 20, "priority": 1, "action_result": "Y"},
    {"id": "r2", "rule_name": "superman", "attribute": "title", "condition": "equal",
     "constant": "Superman", "weight": 20, "rule_point": 15, "priority": 2, "action_result": "Y"}
  ],
  "patterns": {"YY": "Approved", "Y-": "Review"}
}`

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestFileRepository_ReadRoundTrip(t *testing.T) {
	path := writeRulesFile(t, sampleRulesFile)
	repo, err := NewFileRepository(path, "")
	require.NoError(t, err)

	ctx := context.Background()
	list, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, rules.OpGreaterThan, list[0].Operator)

	patterns, err := repo.ReadPatterns(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Approved", patterns["YY"])

	// Compiled rules survive a save/reload cycle structurally intact.
	before, err := rules.CompileAll(list, nil)
	require.NoError(t, err)
	require.NoError(t, repo.SaveRule(ctx, list[0]))
	reloaded, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	after, err := rules.CompileAll(reloaded, nil)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for id, b := range before {
		a := after[id]
		require.NotNil(t, a, "rule %s lost on round-trip", id)
		assert.Equal(t, b.Rule.Priority, a.Rule.Priority)
		assert.Equal(t, b.Rule.Operator, a.Rule.Operator)
		assert.Equal(t, b.ConditionString(), a.ConditionString())
	}
}

func TestFileRepository_SaveAndDeleteRule(t *testing.T) {
	path := writeRulesFile(t, sampleRulesFile)
	repo, err := NewFileRepository(path, "")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.SaveRule(ctx, rules.Rule{
		ID: "r3", RuleName: "new", Attribute: "f", Operator: rules.OpEqual,
		Constant: "x", RulePoint: 1.0, Weight: 1.0, Priority: 3, ActionResult: "N",
	}))
	list, err := repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, repo.DeleteRule(ctx, "r3"))
	list, err = repo.ReadRulesSet(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	err = repo.DeleteRule(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileRepository_FreshnessTokenChangesOnWrite(t *testing.T) {
	path := writeRulesFile(t, sampleRulesFile)
	repo, err := NewFileRepository(path, "")
	require.NoError(t, err)
	ctx := context.Background()

	tok1, err := repo.FreshnessToken(ctx)
	require.NoError(t, err)
	tok2, err := repo.FreshnessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)

	r := rules.Rule{ID: "r9", Attribute: "f", Operator: rules.OpEqual, Constant: "x",
		RulePoint: 1.0, Weight: 1.0, ActionResult: "Y", UpdatedAt: time.Now().Format(time.RFC3339Nano)}
	require.NoError(t, repo.SaveRule(ctx, r))
	tok3, err := repo.FreshnessToken(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok3)
}

func TestMemoryRepository_UpsertAssignmentConverges(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.UpsertAssignment(ctx, Assignment{TestID: "t1", AssignmentKey: "k1", Variant: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", first.Variant)

	// A second write with a different variant returns the stored row.
	second, err := repo.UpsertAssignment(ctx, Assignment{TestID: "t1", AssignmentKey: "k1", Variant: "B"})
	require.NoError(t, err)
	assert.Equal(t, "A", second.Variant)

	require.NoError(t, repo.RecordAssignmentExecution(ctx, "t1", "k1", true))
	require.NoError(t, repo.RecordAssignmentExecution(ctx, "t1", "k1", false))
	list, err := repo.ListAssignments(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Executions)
	assert.Equal(t, 1, list[0].Successes)
}

func TestMemoryRepository_VersionCurrentFlag(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.SaveRuleVersion(ctx, RuleVersion{
			RuleID: "r1", VersionNumber: i, IsCurrent: true,
			Snapshot: rules.Rule{ID: "r1", Version: i},
		}))
	}
	list, err := repo.ListRuleVersions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	current := 0
	for _, v := range list {
		if v.IsCurrent {
			current++
			assert.Equal(t, 3, v.VersionNumber)
		}
	}
	assert.Equal(t, 1, current)
}

func TestLogSink_AppendsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := NewMemoryRepository()
	sink := NewLogSink(repo, 16)
	for i := 0; i < 10; i++ {
		sink.Enqueue(ExecutionLog{ExecutionID: "e" + string(rune('0'+i)), Timestamp: time.Now(), Success: true})
	}
	sink.Close()

	assert.Equal(t, int64(10), sink.Written())
	assert.Len(t, repo.ExecutionLogs(), 10)
}

func TestLogSink_OverflowDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	// A sink with a tiny queue and a slow repository must drop, not block.
	slow := &slowRepo{MemoryRepository: NewMemoryRepository(), delay: 50 * time.Millisecond}
	sink := NewLogSink(slow, 1)
	for i := 0; i < 20; i++ {
		sink.Enqueue(ExecutionLog{ExecutionID: "e", Timestamp: time.Now()})
	}
	sink.Close()
	assert.Positive(t, sink.Dropped())
}

type slowRepo struct {
	*MemoryRepository
	delay time.Duration
}

func (s *slowRepo) AppendExecutionLog(ctx context.Context, log ExecutionLog) error {
	time.Sleep(s.delay)
	return s.MemoryRepository.AppendExecutionLog(ctx, log)
}
