package rtdb

import (
	"fmt"
	"strings"

	"github.com/cloudillo/cloudillo/errs"
)

// indexEntries computes the set of index row values a field's value
// contributes (§4.11 "scalar field values insert one index row; array field
// values insert one index row per element"). Nested arrays/objects inside an
// array are skipped, same as the aggregate path's group-key extraction.
func indexEntries(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := scalarString(e); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := scalarString(v); ok {
			return []string{s}
		}
		return nil
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + t, true
	case bool:
		return fmt.Sprintf("b:%v", t), true
	case float64:
		return fmt.Sprintf("n:%020.6f", t), true
	default:
		return "", false
	}
}

func indexMetaKey(collection, field string) []byte {
	return []byte(collection + "\x00" + field)
}

func indexRowKey(collection, field, value, docPath string) []byte {
	return []byte(collection + "\x00" + field + "\x00" + value + "\x00" + docPath)
}

func indexRowPrefix(collection, field, value string) []byte {
	return []byte(collection + "\x00" + field + "\x00" + value + "\x00")
}

// hasIndex reports whether collection has a usable index on field.
func (b *txBuckets) hasIndex(collection, field string) bool {
	if b.idxMeta == nil {
		return false
	}
	return b.idxMeta.Get(indexMetaKey(collection, field)) != nil
}

// listIndexedFields returns every field collection currently has an index
// on, for applyIndexWrite to know which rows to maintain on a document
// write.
func (b *txBuckets) listIndexedFields(collection string) []string {
	if b.idxMeta == nil {
		return nil
	}
	var fields []string
	prefix := []byte(collection + "\x00")
	c := b.idxMeta.Cursor()
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		fields = append(fields, strings.TrimPrefix(string(k), string(prefix)))
	}
	return fields
}

// applyIndexWrite updates every indexed field's rows for a document going
// from oldDoc (nil if this is a create) to newDoc (nil if this is a
// delete), computing the symmetric difference for updates rather than
// blind delete+reinsert.
func (b *txBuckets) applyIndexWrite(collection, docPath string, oldDoc, newDoc map[string]any) error {
	for _, field := range b.listIndexedFields(collection) {
		var oldVals, newVals []string
		if oldDoc != nil {
			oldVals = indexEntries(oldDoc[field])
		}
		if newDoc != nil {
			newVals = indexEntries(newDoc[field])
		}
		removed, added := diffStrings(oldVals, newVals)
		for _, v := range removed {
			if err := b.idx.Delete(indexRowKey(collection, field, v, docPath)); err != nil {
				return errs.NewDb(err)
			}
		}
		for _, v := range added {
			if err := b.idx.Put(indexRowKey(collection, field, v, docPath), []byte{1}); err != nil {
				return errs.NewDb(err)
			}
		}
	}
	return nil
}

func diffStrings(oldVals, newVals []string) (removed, added []string) {
	oldSet := map[string]bool{}
	for _, v := range oldVals {
		oldSet[v] = true
	}
	newSet := map[string]bool{}
	for _, v := range newVals {
		newSet[v] = true
	}
	for v := range oldSet {
		if !newSet[v] {
			removed = append(removed, v)
		}
	}
	for v := range newSet {
		if !oldSet[v] {
			added = append(added, v)
		}
	}
	return
}

// docPathsForEqualsIndex returns every doc_id-path in collection whose field
// equals value, via the index (an accelerated path that must agree with a
// full scan, per invariant iii).
func (b *txBuckets) docPathsForEqualsIndex(collection, field string, value any) ([]string, bool) {
	if !b.hasIndex(collection, field) {
		return nil, false
	}
	s, ok := scalarString(value)
	if !ok {
		return []string{}, true
	}
	prefix := indexRowPrefix(collection, field, s)
	var paths []string
	c := b.idx.Cursor()
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		paths = append(paths, strings.TrimPrefix(string(k), string(prefix)))
	}
	return paths, true
}

// createIndex backfills an index for collection/field by scanning every
// current document and populating index rows atomically before marking the
// index usable, per §4.11's backfill contract.
func (b *txBuckets) createIndex(collection, field string) error {
	docs, err := b.listCollection(collection)
	if err != nil {
		return err
	}
	for path, doc := range docs {
		for _, v := range indexEntries(doc[field]) {
			if err := b.idx.Put(indexRowKey(collection, field, v, path), []byte{1}); err != nil {
				return errs.NewDb(err)
			}
		}
	}
	return b.idxMeta.Put(indexMetaKey(collection, field), []byte{1})
}
