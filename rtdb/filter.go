package rtdb

import (
	"fmt"
	"strings"
)

// FilterOp names one of §4.11's filter operators.
type FilterOp string

const (
	OpEquals             FilterOp = "equals"
	OpNotEquals          FilterOp = "notEquals"
	OpGreaterThan        FilterOp = "greaterThan"
	OpGreaterThanOrEqual FilterOp = "greaterThanOrEqual"
	OpLessThan           FilterOp = "lessThan"
	OpLessThanOrEqual    FilterOp = "lessThanOrEqual"
	OpInArray            FilterOp = "inArray"
	OpNotInArray         FilterOp = "notInArray"
	OpArrayContains      FilterOp = "arrayContains"
	OpArrayContainsAny   FilterOp = "arrayContainsAny"
	OpArrayContainsAll   FilterOp = "arrayContainsAll"
)

// Condition is a single field/operator/operand filter clause.
type Condition struct {
	Field   string   `json:"field"`
	Op      FilterOp `json:"op"`
	Value   any      `json:"value,omitempty"`
	Values  []any    `json:"values,omitempty"`
}

// Filter is a conjunction of Conditions (§4.11 "combined with AND").
type Filter struct {
	Conditions []Condition `json:"conditions"`
}

// Matches reports whether doc satisfies every condition in f.
func (f *Filter) Matches(doc map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Conditions {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

func (c Condition) matches(doc map[string]any) bool {
	v, present := doc[c.Field]
	switch c.Op {
	case OpEquals:
		return present && equalValues(v, c.Value)
	case OpNotEquals:
		return !present || !equalValues(v, c.Value)
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if !present {
			return false
		}
		cmp, ok := compareValues(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGreaterThan:
			return cmp > 0
		case OpGreaterThanOrEqual:
			return cmp >= 0
		case OpLessThan:
			return cmp < 0
		case OpLessThanOrEqual:
			return cmp <= 0
		}
	case OpInArray:
		return present && containsValue(c.Values, v)
	case OpNotInArray:
		return !present || !containsValue(c.Values, v)
	case OpArrayContains:
		arr, ok := v.([]any)
		if !ok || len(arr) == 0 {
			return false
		}
		return containsValue(arr, c.Value)
	case OpArrayContainsAny:
		arr, ok := v.([]any)
		if !ok || len(arr) == 0 {
			return false
		}
		for _, want := range c.Values {
			if containsValue(arr, want) {
				return true
			}
		}
		return false
	case OpArrayContainsAll:
		arr, ok := v.([]any)
		if !ok || len(arr) == 0 {
			return false
		}
		for _, want := range c.Values {
			if !containsValue(arr, want) {
				return false
			}
		}
		return true
	}
	return false
}

func containsValue(set []any, want any) bool {
	for _, v := range set {
		if equalValues(v, want) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues compares a to b numerically if both are numbers, else
// lexically on their string forms (§4.11 "numeric or lexical comparison").
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
