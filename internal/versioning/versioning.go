// Package versioning keeps the immutable history of rule snapshots. Every
// committed change appends a RuleVersion row and flips the is_current flag;
// a rollback is just another commit whose snapshot is cloned from an older
// version.
package versioning

import (
	"context"
	"fmt"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
	"rulecore/internal/store"
)

// FieldDiff is one differing field between two versions.
type FieldDiff struct {
	Field string      `json:"field"`
	A     interface{} `json:"version_a"`
	B     interface{} `json:"version_b"`
}

// Comparison is the field-by-field diff of two versions of one rule.
type Comparison struct {
	RuleID   string      `json:"rule_id"`
	VersionA int         `json:"version_a"`
	VersionB int         `json:"version_b"`
	Diffs    []FieldDiff `json:"diffs"`
}

// Manager reads and writes rule version history through the repository.
type Manager struct {
	repo store.Repository
}

// NewManager wires the manager to its repository.
func NewManager(repo store.Repository) *Manager {
	return &Manager{repo: repo}
}

// Commit appends a new version row capturing the rule's full snapshot and
// marks it current. The version number is one past the highest existing.
func (m *Manager) Commit(ctx context.Context, rule rules.Rule, reason, author string) (*store.RuleVersion, error) {
	existing, err := m.repo.ListRuleVersions(ctx, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", rule.ID, err)
	}

	next := 1
	for _, v := range existing {
		if v.VersionNumber >= next {
			next = v.VersionNumber + 1
		}
	}

	rule.Version = next
	row := store.RuleVersion{
		RuleID:        rule.ID,
		VersionNumber: next,
		Snapshot:      rule,
		IsCurrent:     true,
		ChangeReason:  reason,
		Author:        author,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.repo.SaveRuleVersion(ctx, row); err != nil {
		return nil, fmt.Errorf("save version %d of %s: %w", next, rule.ID, err)
	}

	logging.Get(logging.CategoryVersioning).Info(
		"committed %s v%d (author=%s reason=%q)", rule.ID, next, author, reason)
	return &row, nil
}

// Rollback clones version target's snapshot into a new current version. The
// returned version carries a fresh version number; only metadata differs
// from the target snapshot.
func (m *Manager) Rollback(ctx context.Context, ruleID string, target int, reason string) (*store.RuleVersion, error) {
	old, err := m.repo.GetRuleVersion(ctx, ruleID, target)
	if err != nil {
		return nil, fmt.Errorf("rollback target %s v%d: %w", ruleID, target, err)
	}

	if reason == "" {
		reason = fmt.Sprintf("rollback to version %d", target)
	}
	row, err := m.Commit(ctx, old.Snapshot, reason, "rollback")
	if err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryVersioning).Info(
		"rolled back %s to v%d as v%d", ruleID, target, row.VersionNumber)
	return row, nil
}

// List returns the full version history of a rule, oldest first.
func (m *Manager) List(ctx context.Context, ruleID string) ([]store.RuleVersion, error) {
	return m.repo.ListRuleVersions(ctx, ruleID)
}

// Get returns one specific version.
func (m *Manager) Get(ctx context.Context, ruleID string, version int) (*store.RuleVersion, error) {
	return m.repo.GetRuleVersion(ctx, ruleID, version)
}

// Current returns the version row flagged is_current, or store.ErrNotFound
// when the rule has no history.
func (m *Manager) Current(ctx context.Context, ruleID string) (*store.RuleVersion, error) {
	list, err := m.repo.ListRuleVersions(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsCurrent {
			out := list[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("rule %s: no current version: %w", ruleID, store.ErrNotFound)
}

// Compare diffs two versions of one rule field by field. Metadata fields
// that always differ between versions (version counter, timestamps) are
// excluded.
func (m *Manager) Compare(ctx context.Context, ruleID string, a, b int) (*Comparison, error) {
	va, err := m.repo.GetRuleVersion(ctx, ruleID, a)
	if err != nil {
		return nil, err
	}
	vb, err := m.repo.GetRuleVersion(ctx, ruleID, b)
	if err != nil {
		return nil, err
	}

	cmp := &Comparison{RuleID: ruleID, VersionA: a, VersionB: b}
	cmp.Diffs = diffSnapshots(va.Snapshot, vb.Snapshot)
	return cmp, nil
}

func diffSnapshots(a, b rules.Rule) []FieldDiff {
	var diffs []FieldDiff
	add := func(field string, av, bv interface{}) {
		diffs = append(diffs, FieldDiff{Field: field, A: av, B: bv})
	}

	if a.RuleName != b.RuleName {
		add("rule_name", a.RuleName, b.RuleName)
	}
	if a.Attribute != b.Attribute {
		add("attribute", a.Attribute, b.Attribute)
	}
	if a.Operator != b.Operator {
		add("condition", string(a.Operator), string(b.Operator))
	}
	if fmt.Sprint(a.Constant) != fmt.Sprint(b.Constant) {
		add("constant", a.Constant, b.Constant)
	}
	if fmt.Sprint(a.ConditionIDs) != fmt.Sprint(b.ConditionIDs) {
		add("condition_ids", a.ConditionIDs, b.ConditionIDs)
	}
	if a.Priority != b.Priority {
		add("priority", a.Priority, b.Priority)
	}
	if fmt.Sprint(a.RulePoint) != fmt.Sprint(b.RulePoint) {
		add("rule_point", a.RulePoint, b.RulePoint)
	}
	if fmt.Sprint(a.Weight) != fmt.Sprint(b.Weight) {
		add("weight", a.Weight, b.Weight)
	}
	if a.ActionResult != b.ActionResult {
		add("action_result", a.ActionResult, b.ActionResult)
	}
	if a.RulesetID != b.RulesetID {
		add("ruleset_id", a.RulesetID, b.RulesetID)
	}
	if a.Status != b.Status {
		add("status", string(a.Status), string(b.Status))
	}
	return diffs
}
