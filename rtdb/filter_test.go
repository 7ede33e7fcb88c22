package rtdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionEquals(t *testing.T) {
	doc := map[string]any{"status": "open", "count": float64(3)}
	f := &Filter{Conditions: []Condition{{Field: "status", Op: OpEquals, Value: "open"}}}
	require.True(t, f.Matches(doc))

	f = &Filter{Conditions: []Condition{{Field: "status", Op: OpEquals, Value: "closed"}}}
	require.False(t, f.Matches(doc))
}

func TestConditionNumericComparison(t *testing.T) {
	doc := map[string]any{"count": float64(3)}
	require.True(t, (&Filter{Conditions: []Condition{{Field: "count", Op: OpGreaterThan, Value: float64(2)}}}).Matches(doc))
	require.False(t, (&Filter{Conditions: []Condition{{Field: "count", Op: OpGreaterThan, Value: float64(3)}}}).Matches(doc))
	require.True(t, (&Filter{Conditions: []Condition{{Field: "count", Op: OpLessThanOrEqual, Value: float64(3)}}}).Matches(doc))
}

func TestConditionMissingFieldFailsClosed(t *testing.T) {
	doc := map[string]any{}
	require.False(t, (&Filter{Conditions: []Condition{{Field: "count", Op: OpGreaterThan, Value: float64(2)}}}).Matches(doc))
	require.True(t, (&Filter{Conditions: []Condition{{Field: "count", Op: OpNotEquals, Value: float64(2)}}}).Matches(doc), "notEquals on an absent field is vacuously true")
}

func TestConditionInArray(t *testing.T) {
	doc := map[string]any{"status": "open"}
	f := &Filter{Conditions: []Condition{{Field: "status", Op: OpInArray, Values: []any{"open", "pending"}}}}
	require.True(t, f.Matches(doc))
	f = &Filter{Conditions: []Condition{{Field: "status", Op: OpNotInArray, Values: []any{"closed"}}}}
	require.True(t, f.Matches(doc))
}

func TestConditionArrayContains(t *testing.T) {
	doc := map[string]any{"tags": []any{"a", "b", "c"}}
	require.True(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContains, Value: "b"}}}).Matches(doc))
	require.False(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContains, Value: "z"}}}).Matches(doc))

	require.True(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContainsAny, Values: []any{"z", "b"}}}}).Matches(doc))
	require.False(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContainsAny, Values: []any{"x", "y"}}}}).Matches(doc))

	require.True(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContainsAll, Values: []any{"a", "b"}}}}).Matches(doc))
	require.False(t, (&Filter{Conditions: []Condition{{Field: "tags", Op: OpArrayContainsAll, Values: []any{"a", "z"}}}}).Matches(doc))
}

func TestFilterConjunction(t *testing.T) {
	doc := map[string]any{"status": "open", "count": float64(5)}
	f := &Filter{Conditions: []Condition{
		{Field: "status", Op: OpEquals, Value: "open"},
		{Field: "count", Op: OpGreaterThan, Value: float64(10)},
	}}
	require.False(t, f.Matches(doc), "AND semantics: one failing condition fails the whole filter")
}

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	require.True(t, f.Matches(map[string]any{"anything": true}))
}

func TestCompareValuesLexicalFallback(t *testing.T) {
	cmp, ok := compareValues("apple", "banana")
	require.True(t, ok)
	require.Less(t, cmp, 0)

	_, ok = compareValues("apple", float64(1))
	require.False(t, ok, "mixed string/number comparison is undefined")
}
