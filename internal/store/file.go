package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// rulesSetFile is the rules-set JSON on-disk format:
//
//	{ "rules_set": [ {id, rule_name, attribute, condition, constant, ...} ],
//	  "patterns":  { "YYY": "Approved", ... } }
type rulesSetFile struct {
	RulesSet []rules.Rule      `json:"rules_set"`
	Patterns map[string]string `json:"patterns"`
}

// conditionsFile is the conditions JSON on-disk format.
type conditionsFile struct {
	Conditions []rules.Condition `json:"conditions"`
}

// FileRepository serves rules from a rules-set JSON file plus an optional
// conditions JSON file. Rule, condition and pattern writes rewrite the
// files; execution logs are dropped (the file backend has no time-series
// store) and version/A-B operations are unsupported.
type FileRepository struct {
	mu             sync.Mutex
	rulesPath      string
	conditionsPath string
}

// NewFileRepository points the repository at the given files. The rules file
// must exist; the conditions file is optional.
func NewFileRepository(rulesPath, conditionsPath string) (*FileRepository, error) {
	if _, err := os.Stat(rulesPath); err != nil {
		return nil, storageErr("open rules file", err)
	}
	return &FileRepository{rulesPath: rulesPath, conditionsPath: conditionsPath}, nil
}

// RulesPath exposes the watched file for the registry's fsnotify monitor.
func (f *FileRepository) RulesPath() string { return f.rulesPath }

func (f *FileRepository) load() (*rulesSetFile, error) {
	data, err := os.ReadFile(f.rulesPath)
	if err != nil {
		return nil, storageErr("read rules file", err)
	}
	var file rulesSetFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, storageErr("parse rules file", err)
	}
	if file.Patterns == nil {
		file.Patterns = map[string]string{}
	}
	return &file, nil
}

func (f *FileRepository) save(file *rulesSetFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return storageErr("encode rules file", err)
	}
	// Write-and-rename so readers never observe a torn file.
	tmp := f.rulesPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return storageErr("write rules file", err)
	}
	if err := os.Rename(tmp, f.rulesPath); err != nil {
		return storageErr("replace rules file", err)
	}
	return nil
}

func (f *FileRepository) ReadRulesSet(ctx context.Context) ([]rules.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return nil, err
	}
	return file.RulesSet, nil
}

func (f *FileRepository) ReadConditionsSet(ctx context.Context) ([]rules.Condition, error) {
	if f.conditionsPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.conditionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("read conditions file", err)
	}
	var file conditionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, storageErr("parse conditions file", err)
	}
	return file.Conditions, nil
}

func (f *FileRepository) ReadPatterns(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return nil, err
	}
	return file.Patterns, nil
}

func (f *FileRepository) FreshnessToken(ctx context.Context) (string, error) {
	list, err := f.ReadRulesSet(ctx)
	if err != nil {
		return "", err
	}
	return freshnessToken(list), nil
}

func (f *FileRepository) SaveRule(ctx context.Context, r rules.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range file.RulesSet {
		if file.RulesSet[i].ID == r.ID {
			file.RulesSet[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		file.RulesSet = append(file.RulesSet, r)
	}
	return f.save(file)
}

func (f *FileRepository) DeleteRule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return err
	}
	kept := file.RulesSet[:0]
	found := false
	for _, r := range file.RulesSet {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return storageErr("delete rule", fmt.Errorf("rule %s: %w", id, ErrNotFound))
	}
	file.RulesSet = kept
	return f.save(file)
}

func (f *FileRepository) SaveCondition(ctx context.Context, c rules.Condition) error {
	return storageErr("save condition", ErrUnsupported)
}

func (f *FileRepository) DeleteCondition(ctx context.Context, id string) error {
	return storageErr("delete condition", ErrUnsupported)
}

func (f *FileRepository) SavePattern(ctx context.Context, pattern, recommendation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return err
	}
	file.Patterns[pattern] = recommendation
	return f.save(file)
}

func (f *FileRepository) DeletePattern(ctx context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := f.load()
	if err != nil {
		return err
	}
	delete(file.Patterns, pattern)
	return f.save(file)
}

// AppendExecutionLog drops the log entry: the file backend carries no
// time-series store. The drop is logged at debug level only.
func (f *FileRepository) AppendExecutionLog(ctx context.Context, log ExecutionLog) error {
	logging.StoreDebug("file backend dropping execution log %s", log.ExecutionID)
	return nil
}

func (f *FileRepository) SaveRuleVersion(ctx context.Context, v RuleVersion) error {
	return storageErr("save rule version", ErrUnsupported)
}

func (f *FileRepository) ListRuleVersions(ctx context.Context, ruleID string) ([]RuleVersion, error) {
	return nil, storageErr("list rule versions", ErrUnsupported)
}

func (f *FileRepository) GetRuleVersion(ctx context.Context, ruleID string, version int) (*RuleVersion, error) {
	return nil, storageErr("get rule version", ErrUnsupported)
}

func (f *FileRepository) SaveABTest(ctx context.Context, t ABTest) error {
	return storageErr("save abtest", ErrUnsupported)
}

func (f *FileRepository) GetABTest(ctx context.Context, testID string) (*ABTest, error) {
	return nil, storageErr("get abtest", ErrUnsupported)
}

func (f *FileRepository) UpdateABTest(ctx context.Context, t ABTest) error {
	return storageErr("update abtest", ErrUnsupported)
}

func (f *FileRepository) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	return Assignment{}, storageErr("upsert assignment", ErrUnsupported)
}

func (f *FileRepository) ListAssignments(ctx context.Context, testID string) ([]Assignment, error) {
	return nil, storageErr("list assignments", ErrUnsupported)
}

func (f *FileRepository) RecordAssignmentExecution(ctx context.Context, testID, key string, success bool) error {
	return storageErr("record execution", ErrUnsupported)
}

var _ Repository = (*FileRepository)(nil)
