// Package registry is the per-process cache of compiled rules. Readers get
// wait-free access to an immutable snapshot via atomic pointer swap; writers
// are serialized and produce a new generation instead of mutating in place,
// so a reader that started before a reload keeps its pre-reload view for the
// whole request.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rulecore/internal/logging"
	"rulecore/internal/pipeline"
	"rulecore/internal/rules"
	"rulecore/internal/store"
)

// DefaultRulesetID groups rules that declare no ruleset of their own.
const DefaultRulesetID = "default"

// Snapshot is one immutable registry generation.
type Snapshot struct {
	Version    uint64
	LoadedAt   time.Time
	Rules      map[string]rules.Rule
	Compiled   map[string]*rules.CompiledRule
	Conditions map[string]rules.Condition
	Rulesets   map[string]*rules.Ruleset
}

// Ruleset returns the ruleset with the given ID, falling back to the
// default ruleset when id is empty.
func (s *Snapshot) Ruleset(id string) *rules.Ruleset {
	if id == "" {
		id = DefaultRulesetID
	}
	return s.Rulesets[id]
}

// Status is the health view the service exposes over its transport layer.
type Status struct {
	RegistryVersion  uint64    `json:"registry_version"`
	LastReloadTime   time.Time `json:"last_reload_time"`
	LastReloadStatus string    `json:"last_reload_status"`
	RuleCount        int       `json:"rule_count"`
	MonitoringActive bool      `json:"monitoring_active"`
}

// Registry is the thread-safe rule cache.
type Registry struct {
	repo    store.Repository
	current atomic.Pointer[Snapshot]

	// writeMu serializes all mutations; readers never take it.
	writeMu sync.Mutex

	statusMu         sync.RWMutex
	lastReloadTime   time.Time
	lastReloadStatus string

	subMu      sync.Mutex
	subs       map[int]*Subscription
	nextSubID  int
	bufferSize int

	monitoring atomic.Bool
}

// New creates an empty registry over the repository. Call Reload to install
// the first generation.
func New(repo store.Repository, subscriberBuffer int) *Registry {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	r := &Registry{
		repo:       repo,
		subs:       make(map[int]*Subscription),
		bufferSize: subscriberBuffer,
	}
	r.current.Store(&Snapshot{
		Rules:      map[string]rules.Rule{},
		Compiled:   map[string]*rules.CompiledRule{},
		Conditions: map[string]rules.Condition{},
		Rulesets:   map[string]*rules.Ruleset{},
	})
	return r
}

// Current returns the live generation. The returned snapshot is immutable;
// callers may hold it across an entire request.
func (r *Registry) Current() *Snapshot { return r.current.Load() }

// Rule returns a rule by ID from the current generation.
func (r *Registry) Rule(id string) (rules.Rule, bool) {
	rule, ok := r.Current().Rules[id]
	return rule, ok
}

// CompiledRule returns the compiled form of a rule by ID.
func (r *Registry) CompiledRule(id string) (*rules.CompiledRule, bool) {
	c, ok := r.Current().Compiled[id]
	return c, ok
}

// Rules returns the rules of the current generation, optionally filtered by
// ruleset ID.
func (r *Registry) Rules(rulesetID string) []rules.Rule {
	snap := r.Current()
	out := make([]rules.Rule, 0, len(snap.Rules))
	for _, rule := range snap.Rules {
		if rulesetID != "" && effectiveRulesetID(rule) != rulesetID {
			continue
		}
		out = append(out, rule)
	}
	return out
}

func effectiveRulesetID(r rules.Rule) string {
	if r.RulesetID == "" {
		return DefaultRulesetID
	}
	return r.RulesetID
}

// Validate compiles every rule and checks the snapshot invariants without
// installing anything. It returns all problems found, not just the first.
func Validate(list []rules.Rule, conds []rules.Condition, patterns map[string]string) []string {
	var problems []string

	condMap := make(map[string]rules.Condition, len(conds))
	for _, c := range conds {
		condMap[c.ConditionID] = c
	}

	seen := make(map[string]bool, len(list))
	for _, rule := range list {
		if seen[rule.ID] {
			problems = append(problems, fmt.Sprintf("duplicate rule ID %q", rule.ID))
			continue
		}
		seen[rule.ID] = true
		if _, err := rules.Compile(rule, condMap); err != nil {
			problems = append(problems, err.Error())
		}
	}

	for key := range patterns {
		if strings.Contains(key, rules.NoMatchTag) {
			problems = append(problems, fmt.Sprintf("pattern key %q contains the no-match tag", key))
		}
	}
	return problems
}

// build assembles a snapshot from raw definitions. The caller holds writeMu.
func (r *Registry) build(list []rules.Rule, conds []rules.Condition, patterns map[string]string, version uint64) (*Snapshot, error) {
	condMap := make(map[string]rules.Condition, len(conds))
	for _, c := range conds {
		condMap[c.ConditionID] = c
	}

	compiled, err := rules.CompileAll(list, condMap)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version:    version,
		LoadedAt:   time.Now(),
		Rules:      make(map[string]rules.Rule, len(list)),
		Compiled:   compiled,
		Conditions: condMap,
		Rulesets:   make(map[string]*rules.Ruleset),
	}
	for _, rule := range list {
		snap.Rules[rule.ID] = rule
		rsID := effectiveRulesetID(rule)
		rs, ok := snap.Rulesets[rsID]
		if !ok {
			rs = &rules.Ruleset{ID: rsID, Name: rsID, Patterns: patterns,
				IsDefault: rsID == DefaultRulesetID}
			snap.Rulesets[rsID] = rs
		}
		rs.Rules = append(rs.Rules, rule)
	}
	if _, ok := snap.Rulesets[DefaultRulesetID]; !ok {
		snap.Rulesets[DefaultRulesetID] = &rules.Ruleset{
			ID: DefaultRulesetID, Name: DefaultRulesetID,
			Patterns: patterns, IsDefault: true,
		}
	}

	for _, rs := range snap.Rulesets {
		if problems := pipeline.ValidatePatterns(rs); len(problems) > 0 {
			// Pattern length mismatches are tolerated because one pattern
			// table may span rulesets of different sizes; keys holding the
			// no-match tag are not.
			for _, p := range problems {
				if strings.Contains(p, "no-match tag") {
					return nil, fmt.Errorf("ruleset %s: %s", rs.ID, p)
				}
				logging.RegistryDebug("ruleset %s: %s", rs.ID, p)
			}
		}
	}

	return snap, nil
}

// Reload reads a fresh snapshot from the repository and installs it
// atomically. On any failure the old generation stays installed and a
// reload_failed event is published.
func (r *Registry) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	timer := logging.StartTimer(logging.CategoryRegistry, "Reload")
	defer timer.Stop()

	list, err := r.repo.ReadRulesSet(ctx)
	if err != nil {
		return r.failReload(err)
	}
	conds, err := r.repo.ReadConditionsSet(ctx)
	if err != nil {
		return r.failReload(err)
	}
	patterns, err := r.repo.ReadPatterns(ctx)
	if err != nil {
		return r.failReload(err)
	}

	next := r.Current().Version + 1
	snap, err := r.build(list, conds, patterns, next)
	if err != nil {
		return r.failReload(err)
	}

	r.current.Store(snap)
	r.setReloadStatus("ok")
	logging.Registry("reload complete: version=%d rules=%d rulesets=%d",
		snap.Version, len(snap.Rules), len(snap.Rulesets))
	r.publish(Event{Type: EventRulesReloaded, Version: snap.Version, Time: time.Now()})
	return nil
}

func (r *Registry) failReload(err error) error {
	r.setReloadStatus("failed: " + err.Error())
	logging.Get(logging.CategoryRegistry).Error("reload rejected, previous snapshot retained: %v", err)
	r.publish(Event{Type: EventReloadFailed, Time: time.Now(), Err: err.Error()})
	return fmt.Errorf("registry reload rejected: %w", err)
}

func (r *Registry) setReloadStatus(status string) {
	r.statusMu.Lock()
	r.lastReloadTime = time.Now()
	r.lastReloadStatus = status
	r.statusMu.Unlock()
}

// AddRule installs one rule into a new generation. The rule must compile
// against the current condition set.
func (r *Registry) AddRule(rule rules.Rule) error {
	return r.mutate(EventRuleAdded, rule.ID, func(snap *Snapshot) error {
		if _, exists := snap.Rules[rule.ID]; exists {
			return fmt.Errorf("rule %s already present", rule.ID)
		}
		return putRule(snap, rule)
	})
}

// UpdateRule replaces one rule in a new generation.
func (r *Registry) UpdateRule(rule rules.Rule) error {
	return r.mutate(EventRuleUpdated, rule.ID, func(snap *Snapshot) error {
		if _, exists := snap.Rules[rule.ID]; !exists {
			return fmt.Errorf("rule %s not present", rule.ID)
		}
		return putRule(snap, rule)
	})
}

// RemoveRule drops one rule in a new generation.
func (r *Registry) RemoveRule(id string) error {
	return r.mutate(EventRuleRemoved, id, func(snap *Snapshot) error {
		if _, exists := snap.Rules[id]; !exists {
			return fmt.Errorf("rule %s not present", id)
		}
		delete(snap.Rules, id)
		delete(snap.Compiled, id)
		rebuildRulesets(snap)
		return nil
	})
}

func putRule(snap *Snapshot, rule rules.Rule) error {
	compiled, err := rules.Compile(rule, snap.Conditions)
	if err != nil {
		return err
	}
	snap.Rules[rule.ID] = rule
	snap.Compiled[rule.ID] = compiled
	rebuildRulesets(snap)
	return nil
}

func rebuildRulesets(snap *Snapshot) {
	var patterns map[string]string
	for _, rs := range snap.Rulesets {
		patterns = rs.Patterns
		break
	}
	rebuilt := make(map[string]*rules.Ruleset)
	for _, rule := range snap.Rules {
		rsID := effectiveRulesetID(rule)
		rs, ok := rebuilt[rsID]
		if !ok {
			rs = &rules.Ruleset{ID: rsID, Name: rsID, Patterns: patterns,
				IsDefault: rsID == DefaultRulesetID}
			rebuilt[rsID] = rs
		}
		rs.Rules = append(rs.Rules, rule)
	}
	if _, ok := rebuilt[DefaultRulesetID]; !ok {
		rebuilt[DefaultRulesetID] = &rules.Ruleset{
			ID: DefaultRulesetID, Name: DefaultRulesetID,
			Patterns: patterns, IsDefault: true,
		}
	}
	snap.Rulesets = rebuilt
}

// mutate copies the current generation, applies fn, and swaps the result in
// under the single-writer lock.
func (r *Registry) mutate(event EventType, ruleID string, fn func(*Snapshot) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.Current()
	next := &Snapshot{
		Version:    old.Version + 1,
		LoadedAt:   old.LoadedAt,
		Rules:      make(map[string]rules.Rule, len(old.Rules)+1),
		Compiled:   make(map[string]*rules.CompiledRule, len(old.Compiled)+1),
		Conditions: old.Conditions,
		Rulesets:   old.Rulesets,
	}
	for id, rule := range old.Rules {
		next.Rules[id] = rule
	}
	for id, c := range old.Compiled {
		next.Compiled[id] = c
	}

	if err := fn(next); err != nil {
		return err
	}

	r.current.Store(next)
	logging.RegistryDebug("%s %s -> version %d", event, ruleID, next.Version)
	r.publish(Event{Type: event, RuleID: ruleID, Version: next.Version, Time: time.Now()})
	return nil
}

// Fresh reports whether the last successful reload happened within window.
func (r *Registry) Fresh(window time.Duration) bool {
	snap := r.Current()
	if snap.LoadedAt.IsZero() {
		return false
	}
	return time.Since(snap.LoadedAt) <= window
}

// Status returns the health view of the registry.
func (r *Registry) Status() Status {
	snap := r.Current()
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return Status{
		RegistryVersion:  snap.Version,
		LastReloadTime:   r.lastReloadTime,
		LastReloadStatus: r.lastReloadStatus,
		RuleCount:        len(snap.Rules),
		MonitoringActive: r.monitoring.Load(),
	}
}
