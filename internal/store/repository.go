// Package store provides the persistence layer: the Repository contract the
// core consumes, with file, SQLite, and in-memory implementations, plus the
// asynchronous execution-log sink. The repository owns the persisted form of
// rules and conditions; the registry owns them while loaded.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rulecore/internal/rules"
)

// ErrNotFound reports a missing row or key.
var ErrNotFound = errors.New("not found")

// ErrUnsupported reports an operation the backend does not implement.
var ErrUnsupported = errors.New("operation not supported by this backend")

// StorageError wraps a repository or database failure. Requests carrying a
// StorageError fail; no execution log is written for them.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ExecutionLog is one append-only execution record.
type ExecutionLog struct {
	ExecutionID          string        `json:"execution_id"`
	Timestamp            time.Time     `json:"timestamp"`
	CorrelationID        string        `json:"correlation_id"`
	RulesetID            string        `json:"ruleset_id,omitempty"`
	Input                rules.Record  `json:"input"`
	TotalPoints          float64       `json:"total_points"`
	PatternResult        string        `json:"pattern_result"`
	ActionRecommendation string        `json:"action_recommendation,omitempty"`
	Duration             time.Duration `json:"duration"`
	Success              bool          `json:"success"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	ABTestID             string        `json:"ab_test_id,omitempty"`
	ABTestVariant        string        `json:"ab_test_variant,omitempty"`
}

// RuleVersion is an immutable snapshot of a rule, keyed by
// (rule_id, version_number). Exactly one row per rule is current.
type RuleVersion struct {
	RuleID        string     `json:"rule_id"`
	VersionNumber int        `json:"version_number"`
	Snapshot      rules.Rule `json:"snapshot"`
	IsCurrent     bool       `json:"is_current"`
	ChangeReason  string     `json:"change_reason"`
	Author        string     `json:"author"`
	CreatedAt     time.Time  `json:"created_at"`
}

// A/B test statuses.
const (
	TestStatusDraft     = "draft"
	TestStatusRunning   = "running"
	TestStatusCompleted = "completed"
)

// ABTest routes traffic for one rule between two variant versions.
type ABTest struct {
	TestID          string     `json:"test_id"`
	RuleID          string     `json:"rule_id"`
	VariantA        string     `json:"variant_a"` // control version
	VariantB        string     `json:"variant_b"` // treatment version
	SplitA          float64    `json:"split_a"`
	SplitB          float64    `json:"split_b"`
	Status          string     `json:"status"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	MinSampleSize   int        `json:"min_sample_size"`
	ConfidenceLevel float64    `json:"confidence_level"`
	WinningVariant  string     `json:"winning_variant,omitempty"`
}

// Assignment pins one assignment key to a variant for a test's lifetime.
// Once written, the variant is immutable; counters update in place.
type Assignment struct {
	TestID        string    `json:"test_id"`
	AssignmentKey string    `json:"assignment_key"`
	Variant       string    `json:"variant"` // "A" or "B"
	Executions    int       `json:"executions"`
	Successes     int       `json:"successes"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// Repository is the minimal persistence contract the core consumes.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Bulk reads used by registry reloads.
	ReadRulesSet(ctx context.Context) ([]rules.Rule, error)
	ReadConditionsSet(ctx context.Context) ([]rules.Condition, error)
	ReadPatterns(ctx context.Context) (map[string]string, error)

	// FreshnessToken returns a token that changes whenever the rule
	// content changes (hash of rule IDs and updated_at stamps).
	FreshnessToken(ctx context.Context) (string, error)

	// Management CRUD.
	SaveRule(ctx context.Context, r rules.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SaveCondition(ctx context.Context, c rules.Condition) error
	DeleteCondition(ctx context.Context, id string) error
	SavePattern(ctx context.Context, pattern, recommendation string) error
	DeletePattern(ctx context.Context, pattern string) error

	// Execution log (append-only).
	AppendExecutionLog(ctx context.Context, log ExecutionLog) error

	// Rule versions.
	SaveRuleVersion(ctx context.Context, v RuleVersion) error
	ListRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error)
	GetRuleVersion(ctx context.Context, ruleID string, version int) (*RuleVersion, error)

	// A/B tests and assignments.
	SaveABTest(ctx context.Context, t ABTest) error
	GetABTest(ctx context.Context, testID string) (*ABTest, error)
	UpdateABTest(ctx context.Context, t ABTest) error
	// UpsertAssignment persists a on first write; concurrent first writes
	// for the same key converge on one stored row, which is returned.
	UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ListAssignments(ctx context.Context, testID string) ([]Assignment, error)
	RecordAssignmentExecution(ctx context.Context, testID, key string, success bool) error
}
