package rtdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortDocsSingleField(t *testing.T) {
	docs := []map[string]any{
		{"name": "charlie", "age": float64(40)},
		{"name": "alice", "age": float64(30)},
		{"name": "bob", "age": float64(20)},
	}
	sortDocs(docs, []SortField{{Field: "age", Ascending: true}})
	require.Equal(t, "bob", docs[0]["name"])
	require.Equal(t, "alice", docs[1]["name"])
	require.Equal(t, "charlie", docs[2]["name"])
}

func TestSortDocsDescending(t *testing.T) {
	docs := []map[string]any{
		{"name": "alice", "age": float64(30)},
		{"name": "bob", "age": float64(20)},
	}
	sortDocs(docs, []SortField{{Field: "age", Ascending: false}})
	require.Equal(t, "alice", docs[0]["name"])
	require.Equal(t, "bob", docs[1]["name"])
}

func TestSortDocsMultiFieldTiebreak(t *testing.T) {
	docs := []map[string]any{
		{"name": "b-first", "team": "blue", "age": float64(25)},
		{"name": "b-second", "team": "blue", "age": float64(20)},
		{"name": "a-only", "team": "alpha", "age": float64(99)},
	}
	sortDocs(docs, []SortField{
		{Field: "team", Ascending: true},
		{Field: "age", Ascending: true},
	})
	require.Equal(t, "a-only", docs[0]["name"])
	require.Equal(t, "b-second", docs[1]["name"], "within team=blue, smaller age sorts first")
	require.Equal(t, "b-first", docs[2]["name"])
}

func TestSortDocsNoFieldsIsNoop(t *testing.T) {
	docs := []map[string]any{
		{"name": "b"},
		{"name": "a"},
	}
	sortDocs(docs, nil)
	require.Equal(t, "b", docs[0]["name"])
}
