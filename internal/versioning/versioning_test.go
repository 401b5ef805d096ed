package versioning

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/rules"
	"rulecore/internal/store"
)

func baseRule() rules.Rule {
	return rules.Rule{
		ID: "r1", RuleName: "high issue", Attribute: "issue",
		Operator: rules.OpGreaterThan, Constant: 30.0,
		Priority: 1, RulePoint: 20.0, Weight: 30.0,
		ActionResult: "Y", Status: rules.StatusActive,
	}
}

func TestCommit_NumbersVersionsAndFlipsCurrent(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	ctx := context.Background()

	v1, err := mgr.Commit(ctx, baseRule(), "initial", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, v1.VersionNumber)
	assert.True(t, v1.IsCurrent)

	changed := baseRule()
	changed.Weight = 50.0
	v2, err := mgr.Commit(ctx, changed, "raise weight", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	history, err := mgr.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsCurrent)
	assert.True(t, history[1].IsCurrent)
	assert.Equal(t, "raise weight", history[1].ChangeReason)
	assert.Equal(t, "bob", history[1].Author)

	cur, err := mgr.Current(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.VersionNumber)
}

func TestRollback_ClonesTargetSnapshot(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	ctx := context.Background()

	_, err := mgr.Commit(ctx, baseRule(), "initial", "alice")
	require.NoError(t, err)

	changed := baseRule()
	changed.Weight = 50.0
	changed.ActionResult = "N"
	_, err = mgr.Commit(ctx, changed, "bad edit", "bob")
	require.NoError(t, err)

	rolled, err := mgr.Rollback(ctx, "r1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, 3, rolled.VersionNumber)
	assert.Contains(t, rolled.ChangeReason, "rollback to version 1")

	// The current snapshot is field-equal to v1 except metadata.
	cur, err := mgr.Current(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.VersionNumber)

	v1, err := mgr.Get(ctx, "r1", 1)
	require.NoError(t, err)
	diff := cmp.Diff(v1.Snapshot, cur.Snapshot,
		cmpopts.IgnoreFields(rules.Rule{}, "Version", "UpdatedAt"))
	assert.Empty(t, diff)
}

func TestRollback_UnknownTarget(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	ctx := context.Background()

	_, err := mgr.Commit(ctx, baseRule(), "initial", "alice")
	require.NoError(t, err)

	_, err = mgr.Rollback(ctx, "r1", 99, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompare_ListsDifferingFields(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	ctx := context.Background()

	_, err := mgr.Commit(ctx, baseRule(), "initial", "alice")
	require.NoError(t, err)

	changed := baseRule()
	changed.Weight = 50.0
	changed.ActionResult = "N"
	_, err = mgr.Commit(ctx, changed, "edit", "bob")
	require.NoError(t, err)

	cmpRes, err := mgr.Compare(ctx, "r1", 1, 2)
	require.NoError(t, err)

	fields := make(map[string]FieldDiff, len(cmpRes.Diffs))
	for _, d := range cmpRes.Diffs {
		fields[d.Field] = d
	}
	require.Len(t, fields, 2)
	assert.Equal(t, 30.0, fields["weight"].A)
	assert.Equal(t, 50.0, fields["weight"].B)
	assert.Equal(t, "Y", fields["action_result"].A)
	assert.Equal(t, "N", fields["action_result"].B)
}

func TestCompare_IdenticalVersions(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	ctx := context.Background()

	_, err := mgr.Commit(ctx, baseRule(), "initial", "alice")
	require.NoError(t, err)
	_, err = mgr.Commit(ctx, baseRule(), "touch", "alice")
	require.NoError(t, err)

	cmpRes, err := mgr.Compare(ctx, "r1", 1, 2)
	require.NoError(t, err)
	assert.Empty(t, cmpRes.Diffs)
}

func TestCurrent_NoHistory(t *testing.T) {
	mgr := NewManager(store.NewMemoryRepository())
	_, err := mgr.Current(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
