// Package workflow is a chain-of-responsibility dispatcher for multi-stage
// record processing. A chain is built from an ordered list of stage names;
// each stage's handler receives the previous stage's output. Chains are
// immutable once built, so one chain may serve concurrent executions.
package workflow

import (
	"context"
	"fmt"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// HandlerFunc processes a record and returns the record for the next stage.
// Returning an error aborts the chain.
type HandlerFunc func(ctx context.Context, rec rules.Record) (rules.Record, error)

// Factory resolves stage names to handlers.
type Factory interface {
	// Handler returns the handler for the named stage, or false when the
	// stage is unknown.
	Handler(stage string) (HandlerFunc, bool)
}

// StageUnknownError reports a stage name the factory could not resolve.
type StageUnknownError struct {
	Process string
	Stage   string
}

func (e *StageUnknownError) Error() string {
	return fmt.Sprintf("workflow %s: unknown stage %q", e.Process, e.Stage)
}

// FuncFactory is a map-backed Factory.
type FuncFactory map[string]HandlerFunc

func (f FuncFactory) Handler(stage string) (HandlerFunc, bool) {
	h, ok := f[stage]
	return h, ok
}

// StageResult records one stage's outcome for the execution trace.
type StageResult struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Result is the outcome of one workflow execution.
type Result struct {
	Process  string        `json:"process"`
	Output   rules.Record  `json:"output"`
	Stages   []StageResult `json:"stages"`
	Duration time.Duration `json:"duration"`
}

// Chain is a compiled sequence of handlers. Build once, run many times.
type Chain struct {
	process  string
	stages   []string
	handlers []HandlerFunc
}

// Dispatcher builds and runs chains against a handler factory.
type Dispatcher struct {
	factory Factory
}

// NewDispatcher wires the dispatcher to its stage factory.
func NewDispatcher(factory Factory) *Dispatcher {
	return &Dispatcher{factory: factory}
}

// Build resolves every stage name up front. A single unknown stage fails the
// whole build, before anything runs.
func (d *Dispatcher) Build(process string, stages []string) (*Chain, error) {
	c := &Chain{
		process:  process,
		stages:   append([]string(nil), stages...),
		handlers: make([]HandlerFunc, 0, len(stages)+1),
	}
	for _, stage := range stages {
		h, ok := d.factory.Handler(stage)
		if !ok {
			return nil, &StageUnknownError{Process: process, Stage: stage}
		}
		c.handlers = append(c.handlers, h)
	}
	// Terminator: passes the record through unchanged.
	c.stages = append(c.stages, "fall_through")
	c.handlers = append(c.handlers, fallThrough)
	return c, nil
}

// Execute builds the chain and runs it in one call.
func (d *Dispatcher) Execute(ctx context.Context, process string, stages []string, rec rules.Record) (*Result, error) {
	chain, err := d.Build(process, stages)
	if err != nil {
		return nil, err
	}
	return chain.Run(ctx, rec)
}

// Run walks the record through every stage sequentially. The input record is
// cloned so callers never observe handler mutations.
func (c *Chain) Run(ctx context.Context, rec rules.Record) (*Result, error) {
	start := time.Now()
	log := logging.Get(logging.CategoryWorkflow)

	result := &Result{Process: c.process, Stages: make([]StageResult, 0, len(c.handlers))}
	current := rec.Clone()

	for i, h := range c.handlers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stageStart := time.Now()
		next, err := h(ctx, current)
		sr := StageResult{Stage: c.stages[i], Duration: time.Since(stageStart)}
		if err != nil {
			sr.Err = err.Error()
			result.Stages = append(result.Stages, sr)
			log.Error("workflow %s stage %s failed after %v: %v",
				c.process, c.stages[i], sr.Duration, err)
			return nil, fmt.Errorf("workflow %s stage %s: %w", c.process, c.stages[i], err)
		}
		result.Stages = append(result.Stages, sr)
		current = next
	}

	result.Output = current
	result.Duration = time.Since(start)
	log.Debug("workflow %s complete: %d stages in %v",
		c.process, len(result.Stages), result.Duration)
	return result, nil
}

func fallThrough(_ context.Context, rec rules.Record) (rules.Record, error) {
	return rec, nil
}
