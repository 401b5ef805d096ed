package dmn

import (
	"fmt"
	"strconv"
	"strings"

	"rulecore/internal/rules"
)

// fragment is one parsed FEEL input cell.
type fragment struct {
	Wildcard bool
	Operator rules.Operator
	Constant interface{}
}

// parseFEEL recognizes the FEEL subset used in decision-table input cells:
//
//	"literal"      equal against the unquoted string
//	> N, >= N,
//	< N, <= N      numeric comparison
//	[a..b]         inclusive range
//	[a, b, c]      membership
//	-              wildcard (always true)
//
// A bare token is treated as an equality literal (numeric when it parses).
func parseFEEL(cell string) (fragment, error) {
	s := strings.TrimSpace(cell)
	switch {
	case s == "" || s == "-":
		return fragment{Wildcard: true}, nil

	case strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") && len(s) >= 2:
		return fragment{Operator: rules.OpEqual, Constant: s[1 : len(s)-1]}, nil

	case strings.HasPrefix(s, ">="):
		return numericFragment(rules.OpGreaterThanOrEqual, s[2:])
	case strings.HasPrefix(s, "<="):
		return numericFragment(rules.OpLessThanOrEqual, s[2:])
	case strings.HasPrefix(s, ">"):
		return numericFragment(rules.OpGreaterThan, s[1:])
	case strings.HasPrefix(s, "<"):
		return numericFragment(rules.OpLessThan, s[1:])

	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		body := s[1 : len(s)-1]
		if strings.Contains(body, "..") {
			parts := strings.SplitN(body, "..", 2)
			lo, err1 := parseNumber(parts[0])
			hi, err2 := parseNumber(parts[1])
			if err1 != nil || err2 != nil {
				return fragment{}, fmt.Errorf("range bounds must be numeric: %q", s)
			}
			return fragment{Operator: rules.OpRange, Constant: []interface{}{lo, hi}}, nil
		}
		var list []interface{}
		for _, part := range strings.Split(body, ",") {
			list = append(list, parseLiteral(part))
		}
		if len(list) == 0 {
			return fragment{}, fmt.Errorf("empty list: %q", s)
		}
		return fragment{Operator: rules.OpIn, Constant: list}, nil
	}

	// Bare literal.
	return fragment{Operator: rules.OpEqual, Constant: parseLiteral(s)}, nil
}

func numericFragment(op rules.Operator, rest string) (fragment, error) {
	n, err := parseNumber(rest)
	if err != nil {
		return fragment{}, fmt.Errorf("comparison operand must be numeric: %q", rest)
	}
	return fragment{Operator: op, Constant: n}, nil
}

func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseLiteral unquotes strings and parses numbers; anything else stays raw.
func parseLiteral(s string) interface{} {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") && len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

// parseOutputLiteral parses an output cell: quoted strings are unquoted,
// numbers become float64, everything else stays a raw string.
func parseOutputLiteral(s string) interface{} {
	return parseLiteral(s)
}
