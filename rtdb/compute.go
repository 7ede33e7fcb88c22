package rtdb

import (
	"strings"

	"github.com/cloudillo/cloudillo/clock"
	"github.com/cloudillo/cloudillo/errs"
)

// computeCtx carries what a computed directive needs to evaluate: the
// transaction's buckets for a $query read against a sibling subpath, and the
// clock for $fn: serverTimestamp.
type computeCtx struct {
	tx    *txBuckets
	clock clock.Clock
	// basePath is the document path the value tree being evaluated belongs
	// to, used to resolve a $query directive's relative path.
	basePath string
}

// resolveComputed walks v (a decoded JSON value) and evaluates every
// computed directive found anywhere inside it (§4.11 "recognized anywhere in
// the data"): $op against existing (the field's pre-transaction value at the
// same position), $fn for named functions, $query for a count/aggregate read
// against another subpath using the in-transaction, read-your-own-writes
// view.
func resolveComputed(cc *computeCtx, v any, existing any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if _, ok := t["$op"]; ok {
			return evalOp(t, existing)
		}
		if _, ok := t["$fn"]; ok {
			return evalFn(cc, t)
		}
		if _, ok := t["$query"]; ok {
			return evalQuery(cc, t)
		}
		out := make(map[string]any, len(t))
		existingMap, _ := existing.(map[string]any)
		for k, sub := range t {
			var existingSub any
			if existingMap != nil {
				existingSub = existingMap[k]
			}
			r, err := resolveComputed(cc, sub, existingSub)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			r, err := resolveComputed(cc, sub, nil)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// evalOp implements $op: arithmetic against the field's existing value, e.g.
// {"$op": "increment", "by": 1} or {"$op": "decrement", "by": 1}.
func evalOp(directive map[string]any, existing any) (any, error) {
	op, _ := directive["$op"].(string)
	byVal, _ := directive["by"].(float64)
	if byVal == 0 {
		byVal = 1
	}
	base, _ := existing.(float64)
	switch op {
	case "increment":
		return base + byVal, nil
	case "decrement":
		return base - byVal, nil
	default:
		return nil, errs.NewValidation("rtdb: unknown $op " + op)
	}
}

// evalFn implements $fn: a named server-side function, currently just
// serverTimestamp (§4.11 "$fn (named function such as serverTimestamp)").
func evalFn(cc *computeCtx, directive map[string]any) (any, error) {
	fn, _ := directive["$fn"].(string)
	switch fn {
	case "serverTimestamp":
		return float64(cc.clock.Now()), nil
	default:
		return nil, errs.NewValidation("rtdb: unknown $fn " + fn)
	}
}

// evalQuery implements $query: count or aggregate over a different subpath,
// read against the in-transaction view so it observes this transaction's own
// prior writes (§4.11 "read-your-own-writes view"). Shape:
// {"$query": {"path": "relative/or/absolute", "count": true}} or
// {"$query": {"path": "...", "sum": "field"}}.
func evalQuery(cc *computeCtx, directive map[string]any) (any, error) {
	q, _ := directive["$query"].(map[string]any)
	if q == nil {
		return nil, errs.NewValidation("rtdb: $query requires an object payload")
	}
	rel, _ := q["path"].(string)
	if rel == "" {
		return nil, errs.NewValidation("rtdb: $query missing path")
	}
	path := resolveQueryPath(cc.basePath, rel)
	docs, err := cc.tx.listCollection(path)
	if err != nil {
		return nil, err
	}
	if _, ok := q["count"]; ok {
		return float64(len(docs)), nil
	}
	if field, ok := q["sum"].(string); ok {
		var sum float64
		for _, d := range docs {
			if f, ok := d[field].(float64); ok {
				sum += f
			}
		}
		return sum, nil
	}
	if field, ok := q["avg"].(string); ok {
		var sum float64
		var n int
		for _, d := range docs {
			if f, ok := d[field].(float64); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return float64(0), nil
		}
		return sum / float64(n), nil
	}
	return float64(len(docs)), nil
}

// resolveQueryPath resolves a $query subpath relative to the document doing
// the querying: a leading "/" makes it absolute, otherwise it is joined to
// the collection containing base.
func resolveQueryPath(base, rel string) string {
	if strings.HasPrefix(rel, "/") {
		return strings.TrimPrefix(rel, "/")
	}
	segs, err := splitPath(base)
	if err != nil || len(segs) == 0 {
		return rel
	}
	coll := collectionOf(segs)
	if coll == "" {
		return rel
	}
	return coll + "/" + rel
}
