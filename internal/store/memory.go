package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rulecore/internal/rules"
)

// MemoryRepository is a fully in-memory Repository. It backs the memory
// storage selector and is the test double for every other component.
type MemoryRepository struct {
	mu          sync.RWMutex
	rules       map[string]rules.Rule
	conditions  map[string]rules.Condition
	patterns    map[string]string
	logs        []ExecutionLog
	versions    map[string][]RuleVersion // rule ID -> versions ascending
	tests       map[string]ABTest
	assignments map[string]map[string]Assignment // test ID -> key -> assignment
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:       make(map[string]rules.Rule),
		conditions:  make(map[string]rules.Condition),
		patterns:    make(map[string]string),
		versions:    make(map[string][]RuleVersion),
		tests:       make(map[string]ABTest),
		assignments: make(map[string]map[string]Assignment),
	}
}

// Seed installs rules, conditions and patterns in one call. Test helper.
func (m *MemoryRepository) Seed(rs []rules.Rule, conds []rules.Condition, patterns map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.rules[r.ID] = r
	}
	for _, c := range conds {
		m.conditions[c.ConditionID] = c
	}
	for p, a := range patterns {
		m.patterns[p] = a
	}
}

func (m *MemoryRepository) ReadRulesSet(ctx context.Context) ([]rules.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ReadConditionsSet(ctx context.Context) ([]rules.Condition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rules.Condition, 0, len(m.conditions))
	for _, c := range m.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID < out[j].ConditionID })
	return out, nil
}

func (m *MemoryRepository) ReadPatterns(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.patterns))
	for p, a := range m.patterns {
		out[p] = a
	}
	return out, nil
}

func (m *MemoryRepository) FreshnessToken(ctx context.Context) (string, error) {
	list, _ := m.ReadRulesSet(ctx)
	return freshnessToken(list), nil
}

func (m *MemoryRepository) SaveRule(ctx context.Context, r rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.UpdatedAt == "" {
		r.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.rules[r.ID] = r
	return nil
}

func (m *MemoryRepository) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return storageErr("delete rule", fmt.Errorf("rule %s: %w", id, ErrNotFound))
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryRepository) SaveCondition(ctx context.Context, c rules.Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditions[c.ConditionID] = c
	return nil
}

func (m *MemoryRepository) DeleteCondition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conditions, id)
	return nil
}

func (m *MemoryRepository) SavePattern(ctx context.Context, pattern, recommendation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[pattern] = recommendation
	return nil
}

func (m *MemoryRepository) DeletePattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, pattern)
	return nil
}

func (m *MemoryRepository) AppendExecutionLog(ctx context.Context, log ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

// ExecutionLogs returns a copy of the appended logs. Test helper.
func (m *MemoryRepository) ExecutionLogs() []ExecutionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExecutionLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryRepository) SaveRuleVersion(ctx context.Context, v RuleVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.IsCurrent {
		list := m.versions[v.RuleID]
		for i := range list {
			list[i].IsCurrent = false
		}
	}
	m.versions[v.RuleID] = append(m.versions[v.RuleID], v)
	return nil
}

func (m *MemoryRepository) ListRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[ruleID]
	out := make([]RuleVersion, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryRepository) GetRuleVersion(ctx context.Context, ruleID string, version int) (*RuleVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[ruleID] {
		if v.VersionNumber == version {
			out := v
			return &out, nil
		}
	}
	return nil, storageErr("get rule version", fmt.Errorf("rule %s version %d: %w", ruleID, version, ErrNotFound))
}

func (m *MemoryRepository) SaveABTest(ctx context.Context, t ABTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[t.TestID] = t
	return nil
}

func (m *MemoryRepository) GetABTest(ctx context.Context, testID string) (*ABTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tests[testID]
	if !ok {
		return nil, storageErr("get abtest", fmt.Errorf("test %s: %w", testID, ErrNotFound))
	}
	out := t
	return &out, nil
}

func (m *MemoryRepository) UpdateABTest(ctx context.Context, t ABTest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tests[t.TestID]; !ok {
		return storageErr("update abtest", fmt.Errorf("test %s: %w", t.TestID, ErrNotFound))
	}
	m.tests[t.TestID] = t
	return nil
}

func (m *MemoryRepository) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.assignments[a.TestID]
	if !ok {
		byKey = make(map[string]Assignment)
		m.assignments[a.TestID] = byKey
	}
	if existing, ok := byKey[a.AssignmentKey]; ok {
		return existing, nil
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	byKey[a.AssignmentKey] = a
	return a, nil
}

func (m *MemoryRepository) ListAssignments(ctx context.Context, testID string) ([]Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byKey := m.assignments[testID]
	out := make([]Assignment, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignmentKey < out[j].AssignmentKey })
	return out, nil
}

func (m *MemoryRepository) RecordAssignmentExecution(ctx context.Context, testID, key string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.assignments[testID]
	if !ok {
		return storageErr("record execution", fmt.Errorf("test %s: %w", testID, ErrNotFound))
	}
	a, ok := byKey[key]
	if !ok {
		return storageErr("record execution", fmt.Errorf("assignment %s/%s: %w", testID, key, ErrNotFound))
	}
	a.Executions++
	if success {
		a.Successes++
	}
	byKey[key] = a
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
