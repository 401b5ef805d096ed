// Package abtest runs hash-based A/B experiments over rules. Assignment is
// deterministic on (test_id, assignment_key), so the same key always lands
// on the same variant without needing a lookup first; persistence pins the
// assignment for the test's lifetime and carries the execution counters.
package abtest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/store"
)

// Variant labels.
const (
	VariantA = "A"
	VariantB = "B"
)

const hashBuckets = 10000

// ErrNoAssignment is returned when a test is not in running status.
var ErrNoAssignment = errors.New("test not running, no assignment")

// Engine manages A/B tests and their assignments through the repository.
type Engine struct {
	repo store.Repository
}

// NewEngine wires the engine to its repository.
func NewEngine(repo store.Repository) *Engine {
	return &Engine{repo: repo}
}

// CreateTest validates and persists a draft test.
func (e *Engine) CreateTest(ctx context.Context, t store.ABTest) error {
	if t.TestID == "" || t.RuleID == "" {
		return fmt.Errorf("test requires test_id and rule_id")
	}
	if math.Abs(t.SplitA+t.SplitB-1.0) > 1e-9 {
		return fmt.Errorf("traffic split must sum to 1.0, got %v + %v", t.SplitA, t.SplitB)
	}
	if t.Status == "" {
		t.Status = store.TestStatusDraft
	}
	if t.ConfidenceLevel == 0 {
		t.ConfidenceLevel = 0.95
	}
	if err := e.repo.SaveABTest(ctx, t); err != nil {
		return err
	}
	logging.Get(logging.CategoryABTest).Info(
		"created test %s on rule %s (split %.2f/%.2f)", t.TestID, t.RuleID, t.SplitA, t.SplitB)
	return nil
}

// StartTest moves a draft test to running and stamps the start time.
func (e *Engine) StartTest(ctx context.Context, testID string) error {
	t, err := e.repo.GetABTest(ctx, testID)
	if err != nil {
		return err
	}
	if t.Status == store.TestStatusRunning {
		return nil
	}
	if t.Status == store.TestStatusCompleted {
		return fmt.Errorf("test %s already completed", testID)
	}
	now := time.Now().UTC()
	t.Status = store.TestStatusRunning
	t.StartTime = &now
	if err := e.repo.UpdateABTest(ctx, *t); err != nil {
		return err
	}
	logging.Get(logging.CategoryABTest).Info("started test %s", testID)
	return nil
}

// StopTest completes a test, optionally declaring a winner.
func (e *Engine) StopTest(ctx context.Context, testID, winner string) error {
	if winner != "" && winner != VariantA && winner != VariantB {
		return fmt.Errorf("winner must be %q or %q, got %q", VariantA, VariantB, winner)
	}
	t, err := e.repo.GetABTest(ctx, testID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.Status = store.TestStatusCompleted
	t.EndTime = &now
	t.WinningVariant = winner
	if err := e.repo.UpdateABTest(ctx, *t); err != nil {
		return err
	}
	logging.Get(logging.CategoryABTest).Info("stopped test %s (winner=%q)", testID, winner)
	return nil
}

// Test returns the persisted test definition.
func (e *Engine) Test(ctx context.Context, testID string) (*store.ABTest, error) {
	return e.repo.GetABTest(ctx, testID)
}

// bucket hashes test_id || key into [0, hashBuckets).
func bucket(testID, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(testID))
	h.Write([]byte(key))
	return h.Sum64() % hashBuckets
}

// Assign returns the variant for a key. Only running tests assign; the
// first assignment for a key is persisted, and concurrent first-writes for
// the same key converge because the hash is deterministic.
func (e *Engine) Assign(ctx context.Context, testID, key string) (string, error) {
	t, err := e.repo.GetABTest(ctx, testID)
	if err != nil {
		return "", err
	}
	if t.Status != store.TestStatusRunning {
		return "", fmt.Errorf("test %s status %s: %w", testID, t.Status, ErrNoAssignment)
	}

	variant := VariantB
	if float64(bucket(testID, key))/hashBuckets < t.SplitA {
		variant = VariantA
	}

	stored, err := e.repo.UpsertAssignment(ctx, store.Assignment{
		TestID:        testID,
		AssignmentKey: key,
		Variant:       variant,
		AssignedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	logging.Get(logging.CategoryABTest).Debug(
		"assigned %s/%s -> %s", testID, key, stored.Variant)
	return stored.Variant, nil
}

// RecordExecution bumps the execution counters for a key's assignment.
func (e *Engine) RecordExecution(ctx context.Context, testID, key string, success bool) error {
	return e.repo.RecordAssignmentExecution(ctx, testID, key, success)
}

// VariantStats is the per-variant slice of a test's metrics.
type VariantStats struct {
	Assignments int     `json:"assignments"`
	Executions  int     `json:"executions"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Metrics is the statistical summary of one test.
type Metrics struct {
	TestID        string       `json:"test_id"`
	Status        string       `json:"status"`
	A             VariantStats `json:"variant_a"`
	B             VariantStats `json:"variant_b"`
	PValue        float64      `json:"p_value"`
	Significant   bool         `json:"significant"`
	SampleSizeMet bool         `json:"sample_size_met"`
}

// ComputeMetrics aggregates assignments and runs the chi-square test on the
// 2x2 success/failure contingency table.
func (e *Engine) ComputeMetrics(ctx context.Context, testID string) (*Metrics, error) {
	t, err := e.repo.GetABTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.repo.ListAssignments(ctx, testID)
	if err != nil {
		return nil, err
	}

	m := &Metrics{TestID: testID, Status: t.Status, PValue: 1.0}
	for _, a := range assignments {
		s := &m.A
		if a.Variant == VariantB {
			s = &m.B
		}
		s.Assignments++
		s.Executions += a.Executions
		s.Successes += a.Successes
	}
	if m.A.Executions > 0 {
		m.A.SuccessRate = float64(m.A.Successes) / float64(m.A.Executions)
	}
	if m.B.Executions > 0 {
		m.B.SuccessRate = float64(m.B.Successes) / float64(m.B.Executions)
	}

	m.PValue = chiSquarePValue(
		m.A.Successes, m.A.Executions-m.A.Successes,
		m.B.Successes, m.B.Executions-m.B.Successes)
	m.Significant = m.PValue < 1.0-t.ConfidenceLevel
	m.SampleSizeMet = m.A.Assignments >= t.MinSampleSize && m.B.Assignments >= t.MinSampleSize
	return m, nil
}

// chiSquarePValue runs a chi-square test of independence on the 2x2 table
//
//	[ aSucc aFail ]
//	[ bSucc bFail ]
//
// and converts the statistic to a p-value for one degree of freedom via the
// complementary error function.
func chiSquarePValue(aSucc, aFail, bSucc, bFail int) float64 {
	a, b := float64(aSucc), float64(aFail)
	c, d := float64(bSucc), float64(bFail)
	n := a + b + c + d
	if n == 0 {
		return 1.0
	}
	rowA, rowB := a+b, c+d
	colS, colF := a+c, b+d
	if rowA == 0 || rowB == 0 || colS == 0 || colF == 0 {
		return 1.0
	}

	x2 := n * math.Pow(a*d-b*c, 2) / (rowA * rowB * colS * colF)
	// Survival function of chi-square with 1 dof.
	return math.Erfc(math.Sqrt(x2 / 2))
}
