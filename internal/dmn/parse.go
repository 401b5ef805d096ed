// Package dmn compiles DMN 1.3 decision tables into the service rule shape,
// schedules inter-decision dependencies topologically, and executes multiple
// decisions so that outputs of one feed the inputs of the next.
package dmn

import (
	"encoding/xml"
	"fmt"
	"strings"

	"rulecore/internal/logging"
	"rulecore/internal/rules"
)

// Namespace is the DMN 1.3 model namespace the parser accepts.
const Namespace = "https://www.omg.org/spec/DMN/20191111/MODEL/"

// Hit policies the executor understands.
const (
	HitUnique   = "UNIQUE"
	HitFirst    = "FIRST"
	HitCollect  = "COLLECT"
	HitAny      = "ANY"
	HitPriority = "PRIORITY"
)

// ParseError reports malformed XML or missing required DMN elements.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "dmn parse failed: " + e.Reason }

// --- raw XML shapes ---

type xmlDefinitions struct {
	XMLName   xml.Name      `xml:"definitions"`
	Decisions []xmlDecision `xml:"decision"`
}

type xmlDecision struct {
	ID            string            `xml:"id,attr"`
	Name          string            `xml:"name,attr"`
	Requirements  []xmlInfoReq      `xml:"informationRequirement"`
	DecisionTable *xmlDecisionTable `xml:"decisionTable"`
}

type xmlInfoReq struct {
	RequiredDecision *xmlHref `xml:"requiredDecision"`
}

type xmlHref struct {
	Href string `xml:"href,attr"`
}

type xmlDecisionTable struct {
	HitPolicy string      `xml:"hitPolicy,attr"`
	Inputs    []xmlInput  `xml:"input"`
	Outputs   []xmlOutput `xml:"output"`
	Rules     []xmlRule   `xml:"rule"`
}

type xmlInput struct {
	Label      string    `xml:"label,attr"`
	Expression *xmlEntry `xml:"inputExpression"`
}

// label returns the column's attribute name, falling back to the
// inputExpression text when no label attribute is present.
func (in xmlInput) label() string {
	if in.Label != "" {
		return in.Label
	}
	if in.Expression != nil {
		return strings.TrimSpace(in.Expression.Text)
	}
	return ""
}

type xmlOutput struct {
	Label string `xml:"label,attr"`
	Name  string `xml:"name,attr"`
}

func (out xmlOutput) label() string {
	if out.Label != "" {
		return out.Label
	}
	return out.Name
}

type xmlRule struct {
	ID            string     `xml:"id,attr"`
	InputEntries  []xmlEntry `xml:"inputEntry"`
	OutputEntries []xmlEntry `xml:"outputEntry"`
}

type xmlEntry struct {
	Text string `xml:"text"`
}

// --- compiled shapes ---

// Decision is the compiled metadata of one DMN decision.
type Decision struct {
	ID        string
	Name      string
	Requires  []string // dependency decision IDs
	Inputs    []string // ordered input labels (attribute names)
	Outputs   []string // ordered output labels (enrichment keys)
	HitPolicy string

	// Rules in row order, in the service rule shape. Conditions holds the
	// per-cell conditions referenced by composite rows.
	Rules      []rules.Rule
	Conditions map[string]rules.Condition

	// RowOutputs maps a rule ID to its parsed output values, one per
	// output column.
	RowOutputs map[string][]interface{}
}

// Definitions is a parsed DMN document: decisions in declared order.
type Definitions struct {
	Decisions []*Decision
}

// Decision returns the decision with the given ID, or nil.
func (d *Definitions) Decision(id string) *Decision {
	for _, dec := range d.Decisions {
		if dec.ID == id {
			return dec
		}
	}
	return nil
}

// Parse compiles a DMN XML document. Decisions without a decision table are
// rejected; every inputEntry must hold a recognized FEEL fragment.
func Parse(content []byte) (*Definitions, error) {
	var raw xmlDefinitions
	if err := xml.Unmarshal(content, &raw); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if len(raw.Decisions) == 0 {
		return nil, &ParseError{Reason: "document contains no decision elements"}
	}

	defs := &Definitions{}
	for _, rd := range raw.Decisions {
		dec, err := compileDecision(rd)
		if err != nil {
			return nil, err
		}
		defs.Decisions = append(defs.Decisions, dec)
	}
	logging.DMN("parsed DMN document: %d decisions", len(defs.Decisions))
	return defs, nil
}

func compileDecision(rd xmlDecision) (*Decision, error) {
	if rd.ID == "" {
		return nil, &ParseError{Reason: "decision element missing id attribute"}
	}
	if rd.DecisionTable == nil {
		return nil, &ParseError{Reason: fmt.Sprintf("decision %s has no decisionTable", rd.ID)}
	}

	dec := &Decision{
		ID:         rd.ID,
		Name:       rd.Name,
		HitPolicy:  strings.ToUpper(strings.TrimSpace(rd.DecisionTable.HitPolicy)),
		Conditions: make(map[string]rules.Condition),
		RowOutputs: make(map[string][]interface{}),
	}
	if dec.HitPolicy == "" {
		dec.HitPolicy = HitUnique
	}

	// Dependency IDs from informationRequirement/requiredDecision[@href],
	// with the leading '#' stripped.
	for _, req := range rd.Requirements {
		if req.RequiredDecision == nil {
			continue
		}
		dec.Requires = append(dec.Requires, strings.TrimPrefix(req.RequiredDecision.Href, "#"))
	}

	for _, in := range rd.DecisionTable.Inputs {
		dec.Inputs = append(dec.Inputs, in.label())
	}
	for _, out := range rd.DecisionTable.Outputs {
		dec.Outputs = append(dec.Outputs, out.label())
	}

	for i, row := range rd.DecisionTable.Rules {
		if len(row.InputEntries) != len(dec.Inputs) {
			return nil, &ParseError{Reason: fmt.Sprintf(
				"decision %s row %d has %d input entries, table has %d inputs",
				dec.ID, i+1, len(row.InputEntries), len(dec.Inputs))}
		}
		if len(row.OutputEntries) != len(dec.Outputs) {
			return nil, &ParseError{Reason: fmt.Sprintf(
				"decision %s row %d has %d output entries, table has %d outputs",
				dec.ID, i+1, len(row.OutputEntries), len(dec.Outputs))}
		}

		ruleID := fmt.Sprintf("%s_row%d", dec.ID, i+1)
		rule := rules.Rule{
			ID:        ruleID,
			RuleName:  ruleID,
			Priority:  i + 1,
			RulePoint: defaultRulePoint,
			Weight:    defaultWeight,
			RulesetID: dec.ID,
			Status:    rules.StatusActive,
		}

		wildcardOnly := true
		for col, entry := range row.InputEntries {
			frag, err := parseFEEL(entry.Text)
			if err != nil {
				return nil, &ParseError{Reason: fmt.Sprintf(
					"decision %s row %d input %q: %v", dec.ID, i+1, entry.Text, err)}
			}
			if frag.Wildcard {
				continue
			}
			wildcardOnly = false
			condID := fmt.Sprintf("%s_c%d", ruleID, col+1)
			dec.Conditions[condID] = rules.Condition{
				ConditionID: condID,
				Attribute:   dec.Inputs[col],
				Operator:    frag.Operator,
				Constant:    frag.Constant,
			}
			rule.ConditionIDs = append(rule.ConditionIDs, condID)
		}
		if wildcardOnly {
			// A row that is all wildcards always matches but contributes
			// no score; only its outputs matter.
			rule.RulePoint = 0.0
		}

		outputs := make([]interface{}, 0, len(row.OutputEntries))
		for _, entry := range row.OutputEntries {
			outputs = append(outputs, parseOutputLiteral(entry.Text))
		}
		dec.RowOutputs[ruleID] = outputs
		if len(outputs) > 0 {
			rule.ActionResult = toTag(outputs[0])
		} else {
			rule.ActionResult = rules.NoMatchTag
		}

		dec.Rules = append(dec.Rules, rule)
	}

	return dec, nil
}

const (
	defaultRulePoint = 10.0
	defaultWeight    = 1.0
)

// toTag renders an output value as the action-result tag for the pattern.
func toTag(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
