// Package batch runs many records through the scoring pipeline on a bounded
// worker pool. Results come back in input order no matter which worker
// finishes first, and one bad record never aborts the rest.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"rulecore/internal/logging"
	"rulecore/internal/pipeline"
	"rulecore/internal/rules"
)

// Options tunes one batch run.
type Options struct {
	// MaxWorkers caps the pool size. Zero means min(NumCPU, len(records)).
	MaxWorkers int
	DryRun     bool
	// CorrelationID tags every record's pipeline run.
	CorrelationID string
}

// RecordResult is the outcome for one input record, keyed by input index.
type RecordResult struct {
	Index                int     `json:"index"`
	Success              bool    `json:"success"`
	TotalPoints          float64 `json:"total_points,omitempty"`
	PatternResult        string  `json:"pattern_result,omitempty"`
	ActionRecommendation *string `json:"action_recommendation,omitempty"`
	Error                string  `json:"error,omitempty"`
	ErrorType            string  `json:"error_type,omitempty"`
}

// Result is the whole batch outcome plus its summary statistics.
type Result struct {
	Results         []RecordResult `json:"results"`
	Total           int            `json:"total"`
	Successful      int            `json:"successful"`
	Failed          int            `json:"failed"`
	TotalDuration   time.Duration  `json:"total_duration"`
	AverageDuration time.Duration  `json:"average_duration"`
	SuccessRate     float64        `json:"success_rate"`
}

// Executor fans records out to pipeline workers.
type Executor struct {
	defaultWorkers int
}

// NewExecutor builds an executor. defaultWorkers caps pools when a run does
// not set its own limit; zero defers to NumCPU.
func NewExecutor(defaultWorkers int) *Executor {
	return &Executor{defaultWorkers: defaultWorkers}
}

func (e *Executor) workers(opts Options, n int) int {
	w := opts.MaxWorkers
	if w <= 0 {
		w = e.defaultWorkers
	}
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Run evaluates every record against the ruleset. The returned results
// slice is ordered by input index. Cancellation stops dispatching new
// records; already-dispatched records finish and the rest are marked
// cancelled.
func (e *Executor) Run(ctx context.Context, rs *rules.Ruleset, compiled map[string]*rules.CompiledRule, records []rules.Record, opts Options) (*Result, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("batch requires at least one record: %w", rules.ErrInputValidation)
	}

	start := time.Now()
	workers := e.workers(opts, len(records))
	log := logging.Get(logging.CategoryBatch)
	log.Info("batch start: %d records, %d workers, dry_run=%v",
		len(records), workers, opts.DryRun)

	out := make([]RecordResult, len(records))

	g := &errgroup.Group{}
	g.SetLimit(workers)
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			// Mark everything not yet dispatched.
			for j := i; j < len(records); j++ {
				out[j] = cancelledResult(j)
			}
			break
		}
		i, rec := i, rec
		g.Go(func() error {
			out[i] = e.runOne(ctx, rs, compiled, rec, i, opts)
			return nil
		})
	}
	g.Wait()

	result := &Result{Results: out, Total: len(records), TotalDuration: time.Since(start)}
	for _, r := range out {
		if r.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	result.AverageDuration = result.TotalDuration / time.Duration(result.Total)
	result.SuccessRate = float64(result.Successful) / float64(result.Total)

	log.Info("batch done: %d/%d ok in %v", result.Successful, result.Total, result.TotalDuration)
	return result, nil
}

func (e *Executor) runOne(ctx context.Context, rs *rules.Ruleset, compiled map[string]*rules.CompiledRule, rec rules.Record, idx int, opts Options) RecordResult {
	if err := ctx.Err(); err != nil {
		return cancelledResult(idx)
	}
	if rec == nil {
		err := fmt.Errorf("record %d is nil: %w", idx, rules.ErrInputValidation)
		return RecordResult{Index: idx, Error: err.Error(), ErrorType: classify(err)}
	}

	res, err := pipeline.Evaluate(ctx, rs, compiled, rec, pipeline.Options{
		DryRun:        opts.DryRun,
		CorrelationID: opts.CorrelationID,
	})
	if err != nil {
		return RecordResult{
			Index:     idx,
			Error:     err.Error(),
			ErrorType: classify(err),
		}
	}
	return RecordResult{
		Index:                idx,
		Success:              true,
		TotalPoints:          res.TotalPoints,
		PatternResult:        res.PatternResult,
		ActionRecommendation: res.ActionRecommendation,
	}
}

func cancelledResult(idx int) RecordResult {
	return RecordResult{Index: idx, Error: context.Canceled.Error(), ErrorType: "cancelled"}
}

// classify maps an error to the error_type carried in the failure payload.
func classify(err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, rules.ErrInputValidation):
		return "input_validation"
	default:
		var evalErr *rules.EvaluationError
		if errors.As(err, &evalErr) {
			return "evaluation"
		}
		return "internal"
	}
}
