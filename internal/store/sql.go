package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// SQLRepository is the relational Repository backend on SQLite.
type SQLRepository struct {
	db     *sql.DB
	dbPath string
}

// NewSQLRepository opens (creating if needed) the SQLite database at path
// and ensures the schema exists.
func NewSQLRepository(path string) (*SQLRepository, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLRepository")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable sqlite foreign_keys: %v", err)
	}

	repo := &SQLRepository{db: db, dbPath: path}
	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("SQL repository ready at %s", path)
	return repo, nil
}

// Close closes the underlying database.
func (s *SQLRepository) Close() error { return s.db.Close() }

// initialize creates the required tables.
func (s *SQLRepository) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rulesets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_default INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			rule_name TEXT NOT NULL,
			attribute TEXT,
			operator TEXT,
			constant TEXT,
			condition_ids TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			rule_point TEXT,
			weight TEXT,
			action_result TEXT NOT NULL DEFAULT '-',
			ruleset_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conditions (
			condition_id TEXT PRIMARY KEY,
			attribute TEXT NOT NULL,
			operator TEXT NOT NULL,
			constant TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			tag TEXT PRIMARY KEY,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			pattern TEXT PRIMARY KEY,
			recommendation TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			execution_id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			correlation_id TEXT,
			ruleset_id TEXT,
			input TEXT,
			total_points REAL,
			pattern_result TEXT,
			action_recommendation TEXT,
			duration_ns INTEGER,
			success INTEGER NOT NULL,
			error_message TEXT,
			ab_test_id TEXT,
			ab_test_variant TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_timestamp
			ON execution_logs(timestamp)`,
		`CREATE TABLE IF NOT EXISTS rule_versions (
			rule_id TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			is_current INTEGER NOT NULL DEFAULT 0,
			change_reason TEXT,
			author TEXT,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (rule_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS rule_ab_tests (
			test_id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			variant_a TEXT NOT NULL,
			variant_b TEXT NOT NULL,
			split_a REAL NOT NULL,
			split_b REAL NOT NULL,
			status TEXT NOT NULL,
			start_time DATETIME,
			end_time DATETIME,
			min_sample_size INTEGER NOT NULL DEFAULT 0,
			confidence_level REAL NOT NULL DEFAULT 0.95,
			winning_variant TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS test_assignments (
			test_id TEXT NOT NULL,
			assignment_key TEXT NOT NULL,
			variant TEXT NOT NULL,
			executions INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			assigned_at DATETIME NOT NULL,
			PRIMARY KEY (test_id, assignment_key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return storageErr("create schema", err)
		}
	}
	return nil
}

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSON(s string) interface{} {
	if s == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func (s *SQLRepository) ReadRulesSet(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, rule_name, attribute, operator,
		constant, condition_ids, priority, rule_point, weight, action_result,
		ruleset_id, status, version, updated_at FROM rules ORDER BY id`)
	if err != nil {
		return nil, storageErr("read rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r                                     rules.Rule
			operator, constant, condIDs           string
			rulePoint, weight                     string
			attribute, rulesetID, status, updated string
		)
		if err := rows.Scan(&r.ID, &r.RuleName, &attribute, &operator, &constant,
			&condIDs, &r.Priority, &rulePoint, &weight, &r.ActionResult,
			&rulesetID, &status, &r.Version, &updated); err != nil {
			return nil, storageErr("scan rule", err)
		}
		r.Attribute = attribute
		r.Operator = rules.Operator(operator)
		r.Constant = unmarshalJSON(constant)
		if condIDs != "" {
			if ids, ok := unmarshalJSON(condIDs).([]interface{}); ok {
				for _, id := range ids {
					r.ConditionIDs = append(r.ConditionIDs, fmt.Sprint(id))
				}
			}
		}
		r.RulePoint = unmarshalJSON(rulePoint)
		r.Weight = unmarshalJSON(weight)
		r.RulesetID = rulesetID
		r.Status = rules.Status(status)
		r.UpdatedAt = updated
		out = append(out, r)
	}
	return out, storageErr("read rules", rows.Err())
}

func (s *SQLRepository) ReadConditionsSet(ctx context.Context) ([]rules.Condition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT condition_id, attribute, operator, constant FROM conditions ORDER BY condition_id`)
	if err != nil {
		return nil, storageErr("read conditions", err)
	}
	defer rows.Close()

	var out []rules.Condition
	for rows.Next() {
		var c rules.Condition
		var operator, constant string
		if err := rows.Scan(&c.ConditionID, &c.Attribute, &operator, &constant); err != nil {
			return nil, storageErr("scan condition", err)
		}
		c.Operator = rules.Operator(operator)
		c.Constant = unmarshalJSON(constant)
		out = append(out, c)
	}
	return out, storageErr("read conditions", rows.Err())
}

func (s *SQLRepository) ReadPatterns(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pattern, recommendation FROM patterns`)
	if err != nil {
		return nil, storageErr("read patterns", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, rec string
		if err := rows.Scan(&p, &rec); err != nil {
			return nil, storageErr("scan pattern", err)
		}
		out[p] = rec
	}
	return out, storageErr("read patterns", rows.Err())
}

func (s *SQLRepository) FreshnessToken(ctx context.Context) (string, error) {
	list, err := s.ReadRulesSet(ctx)
	if err != nil {
		return "", err
	}
	return freshnessToken(list), nil
}

func (s *SQLRepository) SaveRule(ctx context.Context, r rules.Rule) error {
	updated := r.UpdatedAt
	if updated == "" {
		updated = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO rules
		(id, rule_name, attribute, operator, constant, condition_ids, priority,
		 rule_point, weight, action_result, ruleset_id, status, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 rule_name=excluded.rule_name, attribute=excluded.attribute,
		 operator=excluded.operator, constant=excluded.constant,
		 condition_ids=excluded.condition_ids, priority=excluded.priority,
		 rule_point=excluded.rule_point, weight=excluded.weight,
		 action_result=excluded.action_result, ruleset_id=excluded.ruleset_id,
		 status=excluded.status, version=excluded.version,
		 updated_at=excluded.updated_at`,
		r.ID, r.RuleName, r.Attribute, string(r.Operator), marshalJSON(r.Constant),
		marshalJSON(r.ConditionIDs), r.Priority, marshalJSON(r.RulePoint),
		marshalJSON(r.Weight), r.ActionResult, r.RulesetID, string(r.Status),
		r.Version, updated)
	return storageErr("save rule", err)
}

func (s *SQLRepository) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("delete rule", fmt.Errorf("rule %s: %w", id, ErrNotFound))
	}
	return nil
}

func (s *SQLRepository) SaveCondition(ctx context.Context, c rules.Condition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conditions
		(condition_id, attribute, operator, constant) VALUES (?, ?, ?, ?)
		ON CONFLICT(condition_id) DO UPDATE SET
		 attribute=excluded.attribute, operator=excluded.operator,
		 constant=excluded.constant`,
		c.ConditionID, c.Attribute, string(c.Operator), marshalJSON(c.Constant))
	return storageErr("save condition", err)
}

func (s *SQLRepository) DeleteCondition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conditions WHERE condition_id = ?`, id)
	return storageErr("delete condition", err)
}

func (s *SQLRepository) SavePattern(ctx context.Context, pattern, recommendation string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO patterns (pattern, recommendation)
		VALUES (?, ?)
		ON CONFLICT(pattern) DO UPDATE SET recommendation=excluded.recommendation`,
		pattern, recommendation)
	return storageErr("save pattern", err)
}

func (s *SQLRepository) DeletePattern(ctx context.Context, pattern string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE pattern = ?`, pattern)
	return storageErr("delete pattern", err)
}

func (s *SQLRepository) AppendExecutionLog(ctx context.Context, log ExecutionLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_logs
		(execution_id, timestamp, correlation_id, ruleset_id, input, total_points,
		 pattern_result, action_recommendation, duration_ns, success,
		 error_message, ab_test_id, ab_test_variant)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ExecutionID, log.Timestamp.UTC(), log.CorrelationID, log.RulesetID,
		marshalJSON(log.Input), log.TotalPoints, log.PatternResult,
		log.ActionRecommendation, int64(log.Duration), boolToInt(log.Success),
		log.ErrorMessage, log.ABTestID, log.ABTestVariant)
	return storageErr("append execution log", err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLRepository) SaveRuleVersion(ctx context.Context, v RuleVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin version tx", err)
	}
	defer tx.Rollback()

	if v.IsCurrent {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rule_versions SET is_current = 0 WHERE rule_id = ?`, v.RuleID); err != nil {
			return storageErr("clear current version", err)
		}
	}
	created := v.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rule_versions
		(rule_id, version_number, snapshot, is_current, change_reason, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.RuleID, v.VersionNumber, marshalJSON(v.Snapshot), boolToInt(v.IsCurrent),
		v.ChangeReason, v.Author, created); err != nil {
		return storageErr("save rule version", err)
	}
	return storageErr("commit version tx", tx.Commit())
}

func (s *SQLRepository) ListRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, version_number, snapshot,
		is_current, change_reason, author, created_at
		FROM rule_versions WHERE rule_id = ? ORDER BY version_number`, ruleID)
	if err != nil {
		return nil, storageErr("list rule versions", err)
	}
	defer rows.Close()

	var out []RuleVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, storageErr("list rule versions", rows.Err())
}

func (s *SQLRepository) GetRuleVersion(ctx context.Context, ruleID string, version int) (*RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_id, version_number, snapshot,
		is_current, change_reason, author, created_at
		FROM rule_versions WHERE rule_id = ? AND version_number = ?`, ruleID, version)
	if err != nil {
		return nil, storageErr("get rule version", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, storageErr("get rule version",
			fmt.Errorf("rule %s version %d: %w", ruleID, version, ErrNotFound))
	}
	return scanVersion(rows)
}

func scanVersion(rows *sql.Rows) (*RuleVersion, error) {
	var (
		v        RuleVersion
		snapshot string
		current  int
	)
	if err := rows.Scan(&v.RuleID, &v.VersionNumber, &snapshot, &current,
		&v.ChangeReason, &v.Author, &v.CreatedAt); err != nil {
		return nil, storageErr("scan rule version", err)
	}
	v.IsCurrent = current != 0
	if err := json.Unmarshal([]byte(snapshot), &v.Snapshot); err != nil {
		return nil, storageErr("decode version snapshot", err)
	}
	return &v, nil
}

func (s *SQLRepository) SaveABTest(ctx context.Context, t ABTest) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rule_ab_tests
		(test_id, rule_id, variant_a, variant_b, split_a, split_b, status,
		 start_time, end_time, min_sample_size, confidence_level, winning_variant)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(test_id) DO UPDATE SET
		 status=excluded.status, start_time=excluded.start_time,
		 end_time=excluded.end_time, winning_variant=excluded.winning_variant`,
		t.TestID, t.RuleID, t.VariantA, t.VariantB, t.SplitA, t.SplitB, t.Status,
		t.StartTime, t.EndTime, t.MinSampleSize, t.ConfidenceLevel, t.WinningVariant)
	return storageErr("save abtest", err)
}

func (s *SQLRepository) GetABTest(ctx context.Context, testID string) (*ABTest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT test_id, rule_id, variant_a, variant_b,
		split_a, split_b, status, start_time, end_time, min_sample_size,
		confidence_level, winning_variant
		FROM rule_ab_tests WHERE test_id = ?`, testID)

	var (
		t      ABTest
		start  sql.NullTime
		end    sql.NullTime
		winner sql.NullString
	)
	err := row.Scan(&t.TestID, &t.RuleID, &t.VariantA, &t.VariantB, &t.SplitA,
		&t.SplitB, &t.Status, &start, &end, &t.MinSampleSize,
		&t.ConfidenceLevel, &winner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get abtest", fmt.Errorf("test %s: %w", testID, ErrNotFound))
	}
	if err != nil {
		return nil, storageErr("get abtest", err)
	}
	if start.Valid {
		t.StartTime = &start.Time
	}
	if end.Valid {
		t.EndTime = &end.Time
	}
	t.WinningVariant = winner.String
	return &t, nil
}

func (s *SQLRepository) UpdateABTest(ctx context.Context, t ABTest) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rule_ab_tests SET
		status = ?, start_time = ?, end_time = ?, winning_variant = ?
		WHERE test_id = ?`,
		t.Status, t.StartTime, t.EndTime, t.WinningVariant, t.TestID)
	if err != nil {
		return storageErr("update abtest", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("update abtest", fmt.Errorf("test %s: %w", t.TestID, ErrNotFound))
	}
	return nil
}

// UpsertAssignment inserts the assignment if absent and returns the stored
// row either way. Concurrent first writes converge on the first insert.
func (s *SQLRepository) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	assigned := a.AssignedAt
	if assigned.IsZero() {
		assigned = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO test_assignments
		(test_id, assignment_key, variant, executions, successes, assigned_at)
		VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT(test_id, assignment_key) DO NOTHING`,
		a.TestID, a.AssignmentKey, a.Variant, assigned); err != nil {
		return Assignment{}, storageErr("upsert assignment", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT test_id, assignment_key, variant,
		executions, successes, assigned_at
		FROM test_assignments WHERE test_id = ? AND assignment_key = ?`,
		a.TestID, a.AssignmentKey)
	var out Assignment
	if err := row.Scan(&out.TestID, &out.AssignmentKey, &out.Variant,
		&out.Executions, &out.Successes, &out.AssignedAt); err != nil {
		return Assignment{}, storageErr("read assignment", err)
	}
	return out, nil
}

func (s *SQLRepository) ListAssignments(ctx context.Context, testID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT test_id, assignment_key, variant,
		executions, successes, assigned_at
		FROM test_assignments WHERE test_id = ? ORDER BY assignment_key`, testID)
	if err != nil {
		return nil, storageErr("list assignments", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.TestID, &a.AssignmentKey, &a.Variant,
			&a.Executions, &a.Successes, &a.AssignedAt); err != nil {
			return nil, storageErr("scan assignment", err)
		}
		out = append(out, a)
	}
	return out, storageErr("list assignments", rows.Err())
}

func (s *SQLRepository) RecordAssignmentExecution(ctx context.Context, testID, key string, success bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE test_assignments SET
		executions = executions + 1,
		successes = successes + ?
		WHERE test_id = ? AND assignment_key = ?`,
		boolToInt(success), testID, key)
	if err != nil {
		return storageErr("record execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("record execution",
			fmt.Errorf("assignment %s/%s: %w", testID, key, ErrNotFound))
	}
	return nil
}

var _ Repository = (*SQLRepository)(nil)
