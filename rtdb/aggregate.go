package rtdb

import "sort"

// AggOpKind names an aggregate accumulator.
type AggOpKind string

const (
	AggSum AggOpKind = "sum"
	AggAvg AggOpKind = "avg"
	AggMin AggOpKind = "min"
	AggMax AggOpKind = "max"
)

type AggOp struct {
	Kind  AggOpKind `json:"kind"`
	Field string    `json:"field"`
}

// AggregateOptions is QueryOptions.aggregate (§4.11).
type AggregateOptions struct {
	GroupBy string  `json:"groupBy"`
	Ops     []AggOp `json:"ops"`
}

// GroupState is the per-group accumulator kept for incremental maintenance.
type GroupState struct {
	Count     uint64
	Sums      map[string]float64
	AvgSums   map[string]float64
	AvgCounts map[string]uint64
}

func newGroupState(ops []AggOp) *GroupState {
	gs := &GroupState{
		Sums:      map[string]float64{},
		AvgSums:   map[string]float64{},
		AvgCounts: map[string]uint64{},
	}
	for _, op := range ops {
		switch op.Kind {
		case AggSum:
			gs.Sums[op.Field] = 0
		case AggAvg:
			gs.AvgSums[op.Field] = 0
			gs.AvgCounts[op.Field] = 0
		}
	}
	return gs
}

func (gs *GroupState) add(data map[string]any, ops []AggOp) {
	gs.Count++
	for _, op := range ops {
		switch op.Kind {
		case AggSum:
			if v, ok := asFloat(data[op.Field]); ok {
				gs.Sums[op.Field] += v
			}
		case AggAvg:
			if v, ok := asFloat(data[op.Field]); ok {
				gs.AvgSums[op.Field] += v
				gs.AvgCounts[op.Field]++
			}
		}
	}
}

func (gs *GroupState) remove(data map[string]any, ops []AggOp) {
	if gs.Count > 0 {
		gs.Count--
	}
	for _, op := range ops {
		switch op.Kind {
		case AggSum:
			if v, ok := asFloat(data[op.Field]); ok {
				gs.Sums[op.Field] -= v
			}
		case AggAvg:
			if v, ok := asFloat(data[op.Field]); ok {
				gs.AvgSums[op.Field] -= v
				if gs.AvgCounts[op.Field] > 0 {
					gs.AvgCounts[op.Field]--
				}
			}
		}
	}
}

// GroupResult is one row of an aggregate result, shaped for JSON encoding
// directly onto the wire.
type GroupResult struct {
	Group string             `json:"group"`
	Count uint64             `json:"count"`
	Sum   map[string]float64 `json:"sum,omitempty"`
	Avg   map[string]float64 `json:"avg,omitempty"`
}

func (gs *GroupState) toResult(group string, ops []AggOp) GroupResult {
	r := GroupResult{Group: group, Count: gs.Count}
	for _, op := range ops {
		switch op.Kind {
		case AggSum:
			if r.Sum == nil {
				r.Sum = map[string]float64{}
			}
			r.Sum[op.Field] = gs.Sums[op.Field]
		case AggAvg:
			if r.Avg == nil {
				r.Avg = map[string]float64{}
			}
			cnt := gs.AvgCounts[op.Field]
			if cnt > 0 {
				r.Avg[op.Field] = gs.AvgSums[op.Field] / float64(cnt)
			} else {
				r.Avg[op.Field] = 0
			}
		}
	}
	return r
}

// extractGroupKeys pulls the group-by keys out of a document: an array
// field fans out to one key per scalar element, a scalar field yields one
// key, and a missing/null field yields none (§4.11's grouping rule,
// mirroring the array-index-entry rule used for secondary indexes).
func extractGroupKeys(data map[string]any, groupBy string) []string {
	v, ok := data[groupBy]
	if !ok || v == nil {
		return nil
	}
	if arr, ok := v.([]any); ok {
		var keys []string
		for _, e := range arr {
			if s, ok := scalarString(e); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	if s, ok := scalarString(v); ok {
		return []string{s}
	}
	return nil
}

// IncrementalAggState maintains per-group counters for a live aggregate
// subscription instead of recomputing the full aggregate on every change
// (§4.11 "aggregation is maintained incrementally"), ported from the
// original implementation's GroupState bookkeeping.
type IncrementalAggState struct {
	opts      AggregateOptions
	filter    *Filter
	hasMinMax bool
	groups    map[string]*GroupState
}

func NewIncrementalAggState(opts AggregateOptions, filter *Filter) *IncrementalAggState {
	hasMinMax := false
	for _, op := range opts.Ops {
		if op.Kind == AggMin || op.Kind == AggMax {
			hasMinMax = true
		}
	}
	return &IncrementalAggState{opts: opts, filter: filter, hasMinMax: hasMinMax, groups: map[string]*GroupState{}}
}

// NeedsFullRecompute reports whether Min/Max ops are present, which forces a
// full recompute on every change rather than incremental maintenance
// (§4.11 "with Min/Max, aggregation falls back to full recompute").
func (s *IncrementalAggState) NeedsFullRecompute() bool {
	return s.hasMinMax
}

// AddDoc feeds a document seen during the initial Create-event backfill,
// before the subscription's Ready event.
func (s *IncrementalAggState) AddDoc(data map[string]any) {
	if !s.filter.Matches(data) {
		return
	}
	for _, key := range extractGroupKeys(data, s.opts.GroupBy) {
		gs := s.group(key)
		gs.add(data, s.opts.Ops)
	}
}

func (s *IncrementalAggState) group(key string) *GroupState {
	gs, ok := s.groups[key]
	if !ok {
		gs = newGroupState(s.opts.Ops)
		s.groups[key] = gs
	}
	return gs
}

// FullResult returns every non-empty group, sorted by count descending.
func (s *IncrementalAggState) FullResult() []GroupResult {
	var out []GroupResult
	for key, gs := range s.groups {
		if gs.Count > 0 {
			out = append(out, gs.toResult(key, s.opts.Ops))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// ProcessChange adjusts group state for a live Create/Update/Delete event
// and returns the affected groups (empty-count groups included so the
// caller can tell a subscriber to drop them, per §4.11). Returns nil if the
// event doesn't affect this aggregate.
func (s *IncrementalAggState) ProcessChange(ev ChangeEvent) []GroupResult {
	switch ev.Kind {
	case EvCreate:
		return s.handleCreate(ev.Data)
	case EvUpdate:
		return s.handleUpdate(ev.Data, ev.OldData)
	case EvDelete:
		return s.handleDelete(ev.OldData)
	default:
		return nil
	}
}

func (s *IncrementalAggState) handleCreate(data map[string]any) []GroupResult {
	if !s.filter.Matches(data) {
		return nil
	}
	keys := extractGroupKeys(data, s.opts.GroupBy)
	if len(keys) == 0 {
		return nil
	}
	var affected []GroupResult
	for _, key := range keys {
		gs := s.group(key)
		gs.add(data, s.opts.Ops)
		affected = append(affected, gs.toResult(key, s.opts.Ops))
	}
	return affected
}

func (s *IncrementalAggState) handleUpdate(data, old map[string]any) []GroupResult {
	oldMatch := old != nil && s.filter.Matches(old)
	newMatch := s.filter.Matches(data)
	if !oldMatch && !newMatch {
		return nil
	}

	oldKeys := map[string]bool{}
	if oldMatch {
		for _, k := range extractGroupKeys(old, s.opts.GroupBy) {
			oldKeys[k] = true
		}
	}
	newKeys := map[string]bool{}
	if newMatch {
		for _, k := range extractGroupKeys(data, s.opts.GroupBy) {
			newKeys[k] = true
		}
	}

	if oldMatch && newMatch && sameKeySet(oldKeys, newKeys) {
		changed := false
		for _, op := range s.opts.Ops {
			if !equalValues(data[op.Field], old[op.Field]) {
				changed = true
				break
			}
		}
		if !changed {
			return nil
		}
	}

	var affected []GroupResult
	for key := range oldKeys {
		if newKeys[key] {
			continue
		}
		gs := s.group(key)
		gs.remove(old, s.opts.Ops)
		affected = append(affected, gs.toResult(key, s.opts.Ops))
	}
	for key := range newKeys {
		if oldKeys[key] {
			continue
		}
		gs := s.group(key)
		gs.add(data, s.opts.Ops)
		affected = append(affected, gs.toResult(key, s.opts.Ops))
	}
	for key := range oldKeys {
		if !newKeys[key] {
			continue
		}
		gs := s.group(key)
		gs.remove(old, s.opts.Ops)
		gs.add(data, s.opts.Ops)
		affected = append(affected, gs.toResult(key, s.opts.Ops))
	}
	return affected
}

func (s *IncrementalAggState) handleDelete(old map[string]any) []GroupResult {
	if old == nil || !s.filter.Matches(old) {
		return nil
	}
	keys := extractGroupKeys(old, s.opts.GroupBy)
	if len(keys) == 0 {
		return nil
	}
	var affected []GroupResult
	for _, key := range keys {
		gs := s.group(key)
		gs.remove(old, s.opts.Ops)
		affected = append(affected, gs.toResult(key, s.opts.Ops))
	}
	return affected
}

func sameKeySet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
