package rtdb

import "sort"

// sortDocs implements §4.11's multi-field {field, ascending} sort list.
func sortDocs(docs []map[string]any, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			cmp, ok := compareValues(docs[i][f.Field], docs[j][f.Field])
			if !ok {
				continue
			}
			if cmp == 0 {
				continue
			}
			if f.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}
