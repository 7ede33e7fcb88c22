package rtdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncrementalAggStateCreateSumAvg(t *testing.T) {
	s := NewIncrementalAggState(AggregateOptions{
		GroupBy: "team",
		Ops:     []AggOp{{Kind: AggSum, Field: "score"}, {Kind: AggAvg, Field: "score"}},
	}, nil)

	s.AddDoc(map[string]any{"team": "blue", "score": float64(10)})
	s.AddDoc(map[string]any{"team": "blue", "score": float64(20)})
	s.AddDoc(map[string]any{"team": "red", "score": float64(5)})

	results := s.FullResult()
	require.Len(t, results, 2)

	var blue, red GroupResult
	for _, r := range results {
		if r.Group == "s:blue" {
			blue = r
		}
		if r.Group == "s:red" {
			red = r
		}
	}
	require.Equal(t, uint64(2), blue.Count)
	require.Equal(t, float64(30), blue.Sum["score"])
	require.Equal(t, float64(15), blue.Avg["score"])
	require.Equal(t, uint64(1), red.Count)
}

func TestIncrementalAggStateNeedsFullRecomputeWithMinMax(t *testing.T) {
	s := NewIncrementalAggState(AggregateOptions{Ops: []AggOp{{Kind: AggMin, Field: "x"}}}, nil)
	require.True(t, s.NeedsFullRecompute())

	s2 := NewIncrementalAggState(AggregateOptions{Ops: []AggOp{{Kind: AggSum, Field: "x"}}}, nil)
	require.False(t, s2.NeedsFullRecompute())
}

func TestIncrementalAggStateProcessCreateAndDelete(t *testing.T) {
	s := NewIncrementalAggState(AggregateOptions{
		GroupBy: "team",
		Ops:     []AggOp{{Kind: AggSum, Field: "score"}},
	}, nil)

	affected := s.ProcessChange(ChangeEvent{Kind: EvCreate, Data: map[string]any{"team": "blue", "score": float64(10)}})
	require.Len(t, affected, 1)
	require.Equal(t, float64(10), affected[0].Sum["score"])

	affected = s.ProcessChange(ChangeEvent{Kind: EvDelete, OldData: map[string]any{"team": "blue", "score": float64(10)}})
	require.Len(t, affected, 1)
	require.Equal(t, uint64(0), affected[0].Count)
	require.Equal(t, float64(0), affected[0].Sum["score"])
}

func TestIncrementalAggStateProcessUpdateMovesGroup(t *testing.T) {
	s := NewIncrementalAggState(AggregateOptions{
		GroupBy: "team",
		Ops:     []AggOp{{Kind: AggSum, Field: "score"}},
	}, nil)

	s.AddDoc(map[string]any{"team": "blue", "score": float64(10)})

	affected := s.ProcessChange(ChangeEvent{
		Kind:    EvUpdate,
		Data:    map[string]any{"team": "red", "score": float64(10)},
		OldData: map[string]any{"team": "blue", "score": float64(10)},
	})

	var blue, red *GroupResult
	for i := range affected {
		switch affected[i].Group {
		case "s:blue":
			blue = &affected[i]
		case "s:red":
			red = &affected[i]
		}
	}
	require.NotNil(t, blue)
	require.NotNil(t, red)
	require.Equal(t, uint64(0), blue.Count)
	require.Equal(t, uint64(1), red.Count)
}

func TestIncrementalAggStateRespectsFilter(t *testing.T) {
	filter := &Filter{Conditions: []Condition{{Field: "active", Op: OpEquals, Value: true}}}
	s := NewIncrementalAggState(AggregateOptions{GroupBy: "team", Ops: []AggOp{{Kind: AggSum, Field: "score"}}}, filter)

	s.AddDoc(map[string]any{"team": "blue", "score": float64(10), "active": false})
	require.Empty(t, s.FullResult(), "inactive doc excluded by the aggregate's filter")

	s.AddDoc(map[string]any{"team": "blue", "score": float64(10), "active": true})
	require.Len(t, s.FullResult(), 1)
}

func TestExtractGroupKeysFansOutArrays(t *testing.T) {
	keys := extractGroupKeys(map[string]any{"tags": []any{"a", "b"}}, "tags")
	require.ElementsMatch(t, []string{"s:a", "s:b"}, keys)

	keys = extractGroupKeys(map[string]any{"tags": nil}, "tags")
	require.Nil(t, keys)
}
