// Package service is the facade the transport layer talks to. It wires the
// registry, pipeline, DMN engine, workflow dispatcher, versioning manager,
// A/B engine, batch executor, and execution-log sink behind one API.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"rulecore/internal/abtest"
	"rulecore/internal/batch"
	"rulecore/internal/config"
	"rulecore/internal/dmn"
	"rulecore/internal/logging"
	"rulecore/internal/pipeline"
	"rulecore/internal/registry"
	"rulecore/internal/rules"
	"rulecore/internal/store"
	"rulecore/internal/versioning"
	"rulecore/internal/workflow"
)

// Service hosts the rule evaluation core for one process.
type Service struct {
	repo       store.Repository
	registry   *registry.Registry
	monitor    *registry.Monitor
	sink       *store.LogSink
	batch      *batch.Executor
	dispatcher *workflow.Dispatcher
	versions   *versioning.Manager
	tests      *abtest.Engine
}

// New assembles a service from its configuration and repository. factory may
// be nil when workflows are not used.
func New(cfg config.Config, repo store.Repository, factory workflow.Factory) *Service {
	watch := ""
	if fr, ok := repo.(*store.FileRepository); ok && cfg.Registry.WatchFiles {
		watch = fr.RulesPath()
	}
	reg := registry.New(repo, cfg.Registry.SubscriberBuffer)
	if factory == nil {
		factory = workflow.FuncFactory{}
	}
	return &Service{
		repo:       repo,
		registry:   reg,
		monitor:    registry.NewMonitor(reg, cfg.Registry.MonitorInterval, watch),
		sink:       store.NewLogSink(repo, cfg.ExecutionLog.QueueSize),
		batch:      batch.NewExecutor(cfg.Batch.MaxWorkers),
		dispatcher: workflow.NewDispatcher(factory),
		versions:   versioning.NewManager(repo),
		tests:      abtest.NewEngine(repo),
	}
}

// Start performs the initial reload and launches the background monitor.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Reload(ctx); err != nil {
		return err
	}
	return s.monitor.Start(ctx)
}

// Close stops the monitor and drains the log sink.
func (s *Service) Close() {
	s.monitor.Stop()
	s.sink.Close()
}

// Registry exposes the underlying registry for advanced callers and tests.
func (s *Service) Registry() *registry.Registry { return s.registry }

// ===== SINGLE EXECUTION =====

// ExecuteOptions tunes one evaluation.
type ExecuteOptions struct {
	DryRun        bool
	RulesetID     string
	CorrelationID string
	// ABTestID enables variant assignment for this execution.
	ABTestID string
	// AssignmentKey pins the A/B bucket; when empty the record content is
	// hashed so identical records land on the same variant.
	AssignmentKey string
}

// ExecutionResult is the outcome of one evaluation.
type ExecutionResult struct {
	ExecutionID          string                 `json:"execution_id"`
	CorrelationID        string                 `json:"correlation_id"`
	RulesetID            string                 `json:"ruleset_id"`
	TotalPoints          float64                `json:"total_points"`
	PatternResult        string                 `json:"pattern_result"`
	ActionRecommendation *string                `json:"action_recommendation"`
	Duration             time.Duration          `json:"duration"`
	DryRun               *pipeline.DryRunReport `json:"dry_run,omitempty"`
	ABTestID             string                 `json:"ab_test_id,omitempty"`
	ABTestVariant        string                 `json:"ab_test_variant,omitempty"`
}

// Execute runs one record through the pipeline. Non-dry-run executions
// append exactly one execution log entry; cancelled and dry-run executions
// append none.
func (s *Service) Execute(ctx context.Context, rec rules.Record, opts ExecuteOptions) (*ExecutionResult, error) {
	if rec == nil {
		return nil, fmt.Errorf("execute requires a data record: %w", rules.ErrInputValidation)
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}

	snap := s.registry.Current()
	rs := snap.Ruleset(opts.RulesetID)
	if rs == nil {
		return nil, fmt.Errorf("unknown ruleset %q: %w", opts.RulesetID, rules.ErrInputValidation)
	}

	result := &ExecutionResult{
		ExecutionID:   uuid.NewString(),
		CorrelationID: opts.CorrelationID,
		RulesetID:     rs.ID,
	}

	// A/B wrap: resolve the variant before evaluating so the log row can
	// carry it and the variant's rule version replaces the current one for
	// this request. A non-running test degrades to plain execution.
	compiled := snap.Compiled
	var abKey string
	if opts.ABTestID != "" {
		abKey = opts.AssignmentKey
		if abKey == "" {
			abKey = recordKey(rec)
		}
		variant, err := s.tests.Assign(ctx, opts.ABTestID, abKey)
		switch {
		case err == nil:
			result.ABTestID = opts.ABTestID
			result.ABTestVariant = variant
			rs, compiled, err = s.applyVariant(ctx, snap, rs, opts.ABTestID, variant)
			if err != nil {
				return nil, err
			}
		case errors.Is(err, abtest.ErrNoAssignment):
			logging.Get(logging.CategoryABTest).Debug(
				"test %s not running; executing without variant", opts.ABTestID)
		default:
			return nil, err
		}
	}

	res, err := pipeline.Evaluate(ctx, rs, compiled, rec, pipeline.Options{
		DryRun:        opts.DryRun,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		// Cancellation appends no execution log.
		return nil, err
	}

	result.TotalPoints = res.TotalPoints
	result.PatternResult = res.PatternResult
	result.ActionRecommendation = res.ActionRecommendation
	result.Duration = res.Duration
	result.DryRun = res.DryRun

	if !opts.DryRun {
		s.sink.Enqueue(store.ExecutionLog{
			ExecutionID:          result.ExecutionID,
			Timestamp:            time.Now().UTC(),
			CorrelationID:        result.CorrelationID,
			RulesetID:            rs.ID,
			Input:                rec.Clone(),
			TotalPoints:          result.TotalPoints,
			PatternResult:        result.PatternResult,
			ActionRecommendation: deref(result.ActionRecommendation),
			Duration:             result.Duration,
			Success:              true,
			ABTestID:             result.ABTestID,
			ABTestVariant:        result.ABTestVariant,
		})
		if result.ABTestVariant != "" {
			if err := s.tests.RecordExecution(ctx, result.ABTestID, abKey, true); err != nil {
				logging.Get(logging.CategoryABTest).Warn(
					"recording execution for %s/%s failed: %v", result.ABTestID, abKey, err)
			}
		}
	}
	return result, nil
}

// applyVariant builds a request-local view of the ruleset with the tested
// rule swapped for the variant's persisted version. An empty variant version
// string means "current", so the live snapshot is used unchanged; a rule
// outside this ruleset leaves the view unchanged too.
func (s *Service) applyVariant(ctx context.Context, snap *registry.Snapshot, rs *rules.Ruleset, testID, variant string) (*rules.Ruleset, map[string]*rules.CompiledRule, error) {
	t, err := s.tests.Test(ctx, testID)
	if err != nil {
		return nil, nil, err
	}
	verStr := t.VariantA
	if variant == abtest.VariantB {
		verStr = t.VariantB
	}
	if verStr == "" {
		return rs, snap.Compiled, nil
	}
	version, err := strconv.Atoi(verStr)
	if err != nil {
		return nil, nil, fmt.Errorf("test %s variant %s has non-numeric version %q: %w",
			testID, variant, verStr, rules.ErrInputValidation)
	}
	row, err := s.versions.Get(ctx, t.RuleID, version)
	if err != nil {
		return nil, nil, err
	}
	compiledRule, err := rules.Compile(row.Snapshot, snap.Conditions)
	if err != nil {
		return nil, nil, err
	}

	sub := *rs
	sub.Rules = make([]rules.Rule, len(rs.Rules))
	copy(sub.Rules, rs.Rules)
	replaced := false
	for i := range sub.Rules {
		if sub.Rules[i].ID == t.RuleID {
			sub.Rules[i] = row.Snapshot
			replaced = true
		}
	}
	if !replaced {
		return rs, snap.Compiled, nil
	}

	compiled := make(map[string]*rules.CompiledRule, len(snap.Compiled))
	for id, c := range snap.Compiled {
		compiled[id] = c
	}
	compiled[t.RuleID] = compiledRule
	logging.Get(logging.CategoryABTest).Debug(
		"test %s variant %s: rule %s evaluated at version %d", testID, variant, t.RuleID, version)
	return &sub, compiled, nil
}

// recordKey derives a stable assignment key from record content.
func recordKey(rec rules.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, rec[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ===== BATCH EXECUTION =====

// BatchOptions tunes one batch run.
type BatchOptions struct {
	MaxWorkers    int
	DryRun        bool
	RulesetID     string
	CorrelationID string
}

// ExecuteBatch runs records through the worker pool. Results are ordered by
// input index; each successful non-dry-run record appends one log entry.
func (s *Service) ExecuteBatch(ctx context.Context, records []rules.Record, opts BatchOptions) (*batch.Result, error) {
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}
	snap := s.registry.Current()
	rs := snap.Ruleset(opts.RulesetID)
	if rs == nil {
		return nil, fmt.Errorf("unknown ruleset %q: %w", opts.RulesetID, rules.ErrInputValidation)
	}

	res, err := s.batch.Run(ctx, rs, snap.Compiled, records, batch.Options{
		MaxWorkers:    opts.MaxWorkers,
		DryRun:        opts.DryRun,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		for i, r := range res.Results {
			entry := store.ExecutionLog{
				ExecutionID:   uuid.NewString(),
				Timestamp:     time.Now().UTC(),
				CorrelationID: opts.CorrelationID,
				RulesetID:     rs.ID,
				Input:         records[i].Clone(),
				Success:       r.Success,
			}
			if r.Success {
				entry.TotalPoints = r.TotalPoints
				entry.PatternResult = r.PatternResult
				entry.ActionRecommendation = deref(r.ActionRecommendation)
			} else {
				entry.ErrorMessage = r.Error
				if r.ErrorType == "cancelled" {
					continue // cancelled records log nothing
				}
			}
			s.sink.Enqueue(entry)
		}
	}
	return res, nil
}

// ===== DMN EXECUTION =====

// DMNOptions tunes one DMN execution.
type DMNOptions struct {
	DryRun        bool
	CorrelationID string
}

// ExecuteDMN parses DMN XML content and executes its decisions in
// dependency order against the record.
func (s *Service) ExecuteDMN(ctx context.Context, content []byte, rec rules.Record, opts DMNOptions) (*dmn.Result, error) {
	if rec == nil {
		return nil, fmt.Errorf("execute_dmn requires a data record: %w", rules.ErrInputValidation)
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.NewString()
	}

	defs, err := dmn.Parse(content)
	if err != nil {
		return nil, err
	}
	res, err := dmn.Execute(ctx, defs, rec)
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		s.sink.Enqueue(store.ExecutionLog{
			ExecutionID:   uuid.NewString(),
			Timestamp:     time.Now().UTC(),
			CorrelationID: opts.CorrelationID,
			RulesetID:     "dmn",
			Input:         rec.Clone(),
			TotalPoints:   res.TotalPoints,
			PatternResult: res.PatternResult,
			Duration:      res.Duration,
			Success:       true,
		})
	}
	return res, nil
}

// ExecuteDMNFile reads a DMN document from disk and executes it.
func (s *Service) ExecuteDMNFile(ctx context.Context, path string, rec rules.Record, opts DMNOptions) (*dmn.Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dmn file: %w", err)
	}
	return s.ExecuteDMN(ctx, content, rec, opts)
}

// ===== WORKFLOW EXECUTION =====

// ExecuteWorkflow walks the record through the named stages sequentially.
func (s *Service) ExecuteWorkflow(ctx context.Context, process string, stages []string, rec rules.Record) (*workflow.Result, error) {
	if rec == nil {
		rec = rules.Record{}
	}
	return s.dispatcher.Execute(ctx, process, stages, rec)
}

// ===== REGISTRY ADMIN =====

// Reload refreshes the registry from the repository.
func (s *Service) Reload(ctx context.Context) error { return s.registry.Reload(ctx) }

// Validate reads the repository and reports every problem a reload would
// reject, without installing anything.
func (s *Service) Validate(ctx context.Context) ([]string, error) {
	list, err := s.repo.ReadRulesSet(ctx)
	if err != nil {
		return nil, err
	}
	conds, err := s.repo.ReadConditionsSet(ctx)
	if err != nil {
		return nil, err
	}
	patterns, err := s.repo.ReadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return registry.Validate(list, conds, patterns), nil
}

// Subscribe registers a registry change listener.
func (s *Service) Subscribe() *registry.Subscription { return s.registry.Subscribe() }

// Status reports registry health.
func (s *Service) Status() registry.Status { return s.registry.Status() }

// ===== VERSIONING =====

// CommitVersion persists the rule, appends a version row, and installs the
// change into the live registry.
func (s *Service) CommitVersion(ctx context.Context, rule rules.Rule, reason, author string) (*store.RuleVersion, error) {
	row, err := s.versions.Commit(ctx, rule, reason, author)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveRule(ctx, row.Snapshot); err != nil {
		return nil, err
	}
	if _, exists := s.registry.Rule(rule.ID); exists {
		err = s.registry.UpdateRule(row.Snapshot)
	} else {
		err = s.registry.AddRule(row.Snapshot)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ListVersions returns a rule's full history, oldest first.
func (s *Service) ListVersions(ctx context.Context, ruleID string) ([]store.RuleVersion, error) {
	return s.versions.List(ctx, ruleID)
}

// GetVersion returns one version row.
func (s *Service) GetVersion(ctx context.Context, ruleID string, version int) (*store.RuleVersion, error) {
	return s.versions.Get(ctx, ruleID, version)
}

// Rollback restores an older snapshot as the new current version and pushes
// it to the repository and registry.
func (s *Service) Rollback(ctx context.Context, ruleID string, version int, reason string) (*store.RuleVersion, error) {
	row, err := s.versions.Rollback(ctx, ruleID, version, reason)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveRule(ctx, row.Snapshot); err != nil {
		return nil, err
	}
	if _, exists := s.registry.Rule(ruleID); exists {
		err = s.registry.UpdateRule(row.Snapshot)
	} else {
		err = s.registry.AddRule(row.Snapshot)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CompareVersions diffs two versions field by field.
func (s *Service) CompareVersions(ctx context.Context, ruleID string, a, b int) (*versioning.Comparison, error) {
	return s.versions.Compare(ctx, ruleID, a, b)
}

// ===== A/B TESTING =====

// CreateTest persists a draft A/B test.
func (s *Service) CreateTest(ctx context.Context, t store.ABTest) error {
	return s.tests.CreateTest(ctx, t)
}

// StartTest moves a test to running.
func (s *Service) StartTest(ctx context.Context, testID string) error {
	return s.tests.StartTest(ctx, testID)
}

// StopTest completes a test, optionally declaring a winner.
func (s *Service) StopTest(ctx context.Context, testID, winner string) error {
	return s.tests.StopTest(ctx, testID, winner)
}

// Assign returns the stable variant for a key.
func (s *Service) Assign(ctx context.Context, testID, key string) (string, error) {
	return s.tests.Assign(ctx, testID, key)
}

// TestMetrics aggregates a test's assignment counters and significance.
func (s *Service) TestMetrics(ctx context.Context, testID string) (*abtest.Metrics, error) {
	return s.tests.ComputeMetrics(ctx, testID)
}
