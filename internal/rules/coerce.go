package rules

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// toFloat coerces a runtime value to float64. Strings are parsed when they
// are unambiguous numerics. Returns false for anything else, including NaN.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case float32:
		if math.IsNaN(float64(n)) {
			return 0, false
		}
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// toString renders a scalar for string comparison. Numeric values are
// normalized so "35" and 35.0 compare equal as strings.
func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// toList normalizes a constant or attribute value into a slice of elements.
func toList(v interface{}) ([]interface{}, bool) {
	switch l := v.(type) {
	case []interface{}:
		return l, true
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	case []int:
		out := make([]interface{}, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// looseEqual implements the equal operator: numeric comparison when both
// sides coerce to numbers, string comparison otherwise.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return toString(a) == toString(b)
}

// memberOf reports whether v loosely equals any element of list.
func memberOf(v interface{}, list []interface{}) bool {
	for _, item := range list {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}
